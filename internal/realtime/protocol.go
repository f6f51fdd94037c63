// Package realtime serves the WebSocket endpoint. Clients subscribe to
// event topics and send heartbeat and typing commands over one connection.
package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"go-buddychat/internal/apperr"
)

// Command types sent by clients.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdHeartbeat   = "heartbeat"
	CmdTyping      = "typing"
)

// Frame types sent to clients.
const (
	FrameWelcome = "welcome"
	FrameAck     = "ack"
	FrameError   = "error"
	FrameEvent   = "event"
	// FrameRevoked tells a client the hub dropped one of its subscriptions.
	FrameRevoked = "revoked"
)

// Command is one inbound client frame. ID is echoed on the ack or error.
type Command struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Topic    string `json:"topic,omitempty"`
	RoomID   int64  `json:"roomId,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

type ErrorBody struct {
	Code              apperr.Code `json:"code"`
	Message           string      `json:"message"`
	RetryAfterSeconds int         `json:"retryAfterSeconds,omitempty"`
}

// Frame is one outbound message. A text message may carry several frames
// separated by newlines.
type Frame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	At           *time.Time      `json:"at,omitempty"`
	Error        *ErrorBody      `json:"error,omitempty"`
}

func errorFrame(id string, err error) Frame {
	body := &ErrorBody{Code: apperr.CodeUnavailable, Message: "service unavailable"}
	var e *apperr.Error
	if errors.As(err, &e) && e.Code != apperr.CodeUnavailable {
		body.Code = e.Code
		body.Message = e.Message
		if e.Code == apperr.CodeRateLimitExceeded {
			body.RetryAfterSeconds = e.RetryAfterSeconds()
		}
	}
	return Frame{Type: FrameError, ID: id, Error: body}
}
