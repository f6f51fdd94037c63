package chat

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same semantics as Repository.
type memStore struct {
	mu       sync.Mutex
	nextConv int64
	nextMsg  int64
	convs    map[int64]*Conversation
	msgs     map[int64]*Message
	receipts map[[2]int64]Receipt
	names    map[int64]string

	// posts maps a post to its author; comments holds (post, author)
	// pairs with a live comment.
	posts     map[int64]int64
	comments  map[[2]int64]bool
	reactions map[reactionKey]Reaction
}

type reactionKey struct {
	msgID, userID int64
	emoji         string
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[int64]*Conversation{},
		msgs:     map[int64]*Message{},
		receipts: map[[2]int64]Receipt{},
		names:    map[int64]string{1: "alice", 2: "bob", 3: "carol", 4: "dave"},

		posts:     map[int64]int64{},
		comments:  map[[2]int64]bool{},
		reactions: map[reactionKey]Reaction{},
	}
}

func copyConv(c *Conversation) Conversation {
	out := *c
	out.MemberIDs = append([]int64(nil), c.MemberIDs...)
	return out
}

func (s *memStore) create(typ ConversationType, postID *int64, createdBy int64, now time.Time) *Conversation {
	s.nextConv++
	c := &Conversation{ID: s.nextConv, Type: typ, PostID: postID, CreatedBy: createdBy, CreatedAt: now, LastActivityAt: now}
	s.convs[c.ID] = c
	return c
}

func (s *memStore) addMembers(c *Conversation, ids []int64) {
	for _, id := range ids {
		if !c.HasMember(id) {
			c.MemberIDs = append(c.MemberIDs, id)
		}
	}
}

func (s *memStore) FindOrCreateDirect(_ context.Context, a, b, createdBy int64, now time.Time) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.Type == TypeDM && c.HasMember(a) && c.HasMember(b) {
			return copyConv(c), nil
		}
	}
	c := s.create(TypeDM, nil, createdBy, now)
	s.addMembers(c, []int64{a, b})
	return copyConv(c), nil
}

func (s *memStore) FindOrCreateRoom(_ context.Context, postID, createdBy int64, members []int64, now time.Time) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var room *Conversation
	for _, c := range s.convs {
		if c.Type == TypeRoom && *c.PostID == postID {
			room = c
			if now.After(c.LastActivityAt) {
				c.LastActivityAt = now
			}
		}
	}
	if room == nil {
		room = s.create(TypeRoom, &postID, createdBy, now)
	}
	s.addMembers(room, members)
	return copyConv(room), nil
}

func (s *memStore) GetConversation(_ context.Context, id int64) (Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false, nil
	}
	return copyConv(c), true, nil
}

func (s *memStore) IsMember(_ context.Context, convID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	return ok && c.HasMember(userID), nil
}

func (s *memStore) RemoveMember(_ context.Context, convID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return false, nil
	}
	for i, id := range c.MemberIDs {
		if id == userID {
			c.MemberIDs = append(c.MemberIDs[:i:i], c.MemberIDs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InsertMessage(_ context.Context, m Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ClientMsgID != nil {
		for _, existing := range s.msgs {
			if existing.ConversationID == m.ConversationID && existing.ClientMsgID != nil && *existing.ClientMsgID == *m.ClientMsgID {
				return *existing, false, nil
			}
		}
	}
	s.nextMsg++
	m.ID = s.nextMsg
	m.Username = s.names[m.SenderID]
	s.msgs[m.ID] = &m

	c := s.convs[m.ConversationID]
	if c.LastMsgAt == nil || m.CreatedAt.After(*c.LastMsgAt) {
		at := m.CreatedAt
		c.LastMsgAt = &at
	}
	if m.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = m.CreatedAt
	}
	return m, true, nil
}

func (s *memStore) GetMessage(_ context.Context, id int64) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, false, nil
	}
	return *m, true, nil
}

func (s *memStore) UpdateMessageBody(_ context.Context, id int64, body string, editedAt time.Time) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.DeletedAt != nil {
		return Message{}, false, nil
	}
	m.Body = body
	m.EditedAt = &editedAt
	return *m, true, nil
}

func (s *memStore) SoftDeleteMessage(_ context.Context, id int64, deletedAt time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, sql.ErrNoRows
	}
	if m.DeletedAt == nil {
		m.Body = ""
		m.DeletedAt = &deletedAt
	}
	return *m, nil
}

func (s *memStore) ListMessages(_ context.Context, convID int64, page Page) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Message{}
	for _, m := range s.msgs {
		if m.ConversationID != convID || m.DeletedAt != nil {
			continue
		}
		if page.After != nil && !m.CreatedAt.After(*page.After) {
			continue
		}
		if page.Cursor != nil && !(Message{CreatedAt: page.Cursor.At, ID: page.Cursor.ID}).Before(*m) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *memStore) AdvanceReceipt(_ context.Context, userID int64, m Message, seenAt time.Time) (Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{m.ConversationID, userID}
	cur, ok := s.receipts[key]
	if ok && cur.LastSeenMessageAt != nil {
		seen := Message{CreatedAt: *cur.LastSeenMessageAt, ID: *cur.LastSeenMessageID}
		if !seen.Before(m) {
			return cur, false, nil
		}
	}
	id, at := m.ID, m.CreatedAt
	rc := Receipt{ConversationID: m.ConversationID, UserID: userID, LastSeenMessageID: &id, LastSeenMessageAt: &at, LastSeenAt: &seenAt}
	s.receipts[key] = rc
	return rc, true, nil
}

func (s *memStore) ListReceipts(_ context.Context, convID int64) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Receipt{}
	for key, rc := range s.receipts {
		if key[0] == convID {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// visible mirrors the room rule of Repository.ListConversations.
func (s *memStore) visible(c *Conversation, userID int64) bool {
	if c.Type == TypeDM {
		return true
	}
	if s.posts[*c.PostID] == userID || s.comments[[2]int64{*c.PostID, userID}] {
		return true
	}
	for _, m := range s.msgs {
		if m.ConversationID == c.ID && m.SenderID == userID {
			return true
		}
	}
	return false
}

func activity(c Conversation) time.Time {
	if c.LastMsgAt != nil && c.LastMsgAt.After(c.LastActivityAt) {
		return *c.LastMsgAt
	}
	return c.LastActivityAt
}

func (s *memStore) ListConversations(_ context.Context, userID int64, order ListOrder, limit int) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ConversationSummary{}
	for _, c := range s.convs {
		if !c.HasMember(userID) || !s.visible(c, userID) {
			continue
		}
		sum := ConversationSummary{Conversation: copyConv(c)}
		rc, hasReceipt := s.receipts[[2]int64{c.ID, userID}]
		for _, m := range s.msgs {
			if m.ConversationID != c.ID || m.DeletedAt != nil || m.SenderID == userID {
				continue
			}
			if hasReceipt && !(Message{CreatedAt: *rc.LastSeenMessageAt, ID: *rc.LastSeenMessageID}).Before(*m) {
				continue
			}
			sum.UnreadCount++
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if order == OrderActivity {
			if x, y := activity(a.Conversation), activity(b.Conversation); !x.Equal(y) {
				return x.After(y)
			}
			return a.ID > b.ID
		}
		switch {
		case a.LastMsgAt != nil && b.LastMsgAt == nil:
			return true
		case a.LastMsgAt == nil && b.LastMsgAt != nil:
			return false
		case a.LastMsgAt != nil && !a.LastMsgAt.Equal(*b.LastMsgAt):
			return a.LastMsgAt.After(*b.LastMsgAt)
		case !a.LastActivityAt.Equal(b.LastActivityAt):
			return a.LastActivityAt.After(b.LastActivityAt)
		default:
			return a.ID > b.ID
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) AddReaction(_ context.Context, rc Reaction) (Reaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reactionKey{rc.MessageID, rc.UserID, rc.Emoji}
	if existing, ok := s.reactions[key]; ok {
		return existing, false, nil
	}
	s.reactions[key] = rc
	return rc, true, nil
}

func (s *memStore) RemoveReaction(_ context.Context, msgID, userID int64, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := reactionKey{msgID, userID, emoji}
	_, ok := s.reactions[key]
	delete(s.reactions, key)
	return ok, nil
}

func (s *memStore) ListReactions(_ context.Context, msgID int64) ([]Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Reaction{}
	for _, rc := range s.reactions {
		if rc.MessageID == msgID {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		case a.UserID != b.UserID:
			return a.UserID < b.UserID
		default:
			return a.Emoji < b.Emoji
		}
	})
	return out, nil
}
