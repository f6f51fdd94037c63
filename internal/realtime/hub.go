package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go-buddychat/internal/events"
	"go-buddychat/internal/roster"
)

type subscription struct {
	client *Client
	topic  string
	on     bool
}

type departure struct {
	client    *Client
	remaining chan int
}

type direct struct {
	client *Client
	frame  Frame
}

// Hub acts as the central router between the event bus and connected
// clients. Run is the only goroutine that touches its maps or closes a
// client's send channel.
type Hub struct {
	clients map[*Client]bool
	topics  map[string]map[*Client]bool
	conns   map[int64]int

	register   chan *Client
	unregister chan departure
	subscribe  chan subscription
	reply      chan direct
	done       chan struct{}

	bus    events.Bus
	logger *slog.Logger
}

func NewHub(bus events.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		conns:      make(map[int64]int),
		register:   make(chan *Client),
		unregister: make(chan departure),
		subscribe:  make(chan subscription),
		reply:      make(chan direct, 64),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger,
	}
}

// Run consumes the event bus and fans events out to subscribed clients
// until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	feed, err := h.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to event bus: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = true
			h.conns[c.UserID]++

		case d := <-h.unregister:
			if h.clients[d.client] {
				h.drop(d.client)
			}
			d.remaining <- h.conns[d.client.UserID]

		case s := <-h.subscribe:
			if !h.clients[s.client] {
				continue
			}
			if s.on {
				subs := h.topics[s.topic]
				if subs == nil {
					subs = make(map[*Client]bool)
					h.topics[s.topic] = subs
				}
				subs[s.client] = true
				s.client.topics[s.topic] = true
			} else {
				h.leave(s.client, s.topic)
			}

		case d := <-h.reply:
			if h.clients[d.client] {
				h.deliver(d.client, d.frame)
			}

		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			if ev.Kind == events.KindRosterChanged {
				h.rosterChanged(ev)
			}
			frame := Frame{Type: FrameEvent, Topic: ev.Topic, Kind: ev.Kind, Payload: ev.Payload, At: &ev.At}
			for c := range h.topics[ev.Topic] {
				h.deliver(c, frame)
			}
		}
	}
}

// rosterChanged revokes presence subscriptions between two users who are
// no longer buddies. Presence is authorized at subscribe time only, so a
// removal or block has to take effect here.
func (h *Hub) rosterChanged(ev events.Event) {
	var change roster.ChangedEvent
	if err := json.Unmarshal(ev.Payload, &change); err != nil {
		h.logger.Warn("decode roster change failed", "topic", ev.Topic, "error", err)
		return
	}
	if change.Relation == roster.RelationBuddies {
		return
	}
	h.revoke(change.PeerID, events.PresenceTopic(change.UserID))
	h.revoke(change.UserID, events.PresenceTopic(change.PeerID))
}

// revoke unsubscribes every connection of userID from topic.
func (h *Hub) revoke(userID int64, topic string) {
	for c := range h.topics[topic] {
		if c.UserID != userID {
			continue
		}
		h.leave(c, topic)
		h.deliver(c, Frame{Type: FrameRevoked, Topic: topic})
	}
}

// deliver queues frame for c, dropping clients that cannot keep up.
func (h *Hub) deliver(c *Client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode frame failed", "type", frame.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("dropping slow client", "connection_id", c.ID, "user_id", c.UserID)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	for topic := range c.topics {
		h.leave(c, topic)
	}
	delete(h.clients, c)
	close(c.send)
	if h.conns[c.UserID]--; h.conns[c.UserID] <= 0 {
		delete(h.conns, c.UserID)
	}
}

func (h *Hub) leave(c *Client, topic string) {
	delete(c.topics, topic)
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Register adds c to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c and returns how many connections its user still has.
func (h *Hub) Unregister(c *Client) int {
	remaining := make(chan int, 1)
	select {
	case h.unregister <- departure{client: c, remaining: remaining}:
		return <-remaining
	case <-h.done:
		return 0
	}
}

func (h *Hub) setSubscription(c *Client, topic string, on bool) {
	select {
	case h.subscribe <- subscription{client: c, topic: topic, on: on}:
	case <-h.done:
	}
}

// send queues a frame for c if it is still connected.
func (h *Hub) send(c *Client, frame Frame) {
	select {
	case h.reply <- direct{client: c, frame: frame}:
	case <-h.done:
	}
}
