package models

import "time"

// Change feed message types.
const (
	FeedTypeHello   = "hello"
	FeedTypeChanged = "changed"
	FeedTypePing    = "ping"
	FeedTypeError   = "error"
)

// FeedMessage is a change notification pushed by the document backend.
type FeedMessage struct {
	Type       string     `json:"type"`
	Collection Collection `json:"collection,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// FeedSubscribe is sent after connecting to scope the feed.
type FeedSubscribe struct {
	Op          string       `json:"op"`
	Collections []Collection `json:"collections"`
}
