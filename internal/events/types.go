// Package events provides the notification events emitted when a leaf is
// created and the publishers that hand them to the push worker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event type constants
const (
	EventTypeLeafCreated = "leaf_created"
)

// Event represents a notification handed to the push worker.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// LeafCreatedEvent is sent when an email produced a new leaf.
type LeafCreatedEvent struct {
	LeafID    string    `json:"leaf_id"`
	AuthorID  string    `json:"author_id"`
	TreeID    string    `json:"tree_id,omitempty"`
	LeafType  string    `json:"leaf_type"`
	HasMedia  bool      `json:"has_media"`
	Tags      []string  `json:"tags"`
	Preview   string    `json:"preview"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher hands events to the notification pipeline.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewEvent wraps a payload in an Event addressed to userID.
func NewEvent(eventType, userID string, payload interface{}) (Event, error) {
	if userID == "" {
		return Event{}, fmt.Errorf("event must have a UserID")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}
