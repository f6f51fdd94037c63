package search

import "go-buddychat/internal/chat"

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Result is one matching message. Results are ordered by Rank, then newest
// first.
type Result struct {
	chat.Message
	Rank float64 `json:"rank"`
}
