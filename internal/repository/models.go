package repository

import (
	"time"

	"github.com/google/uuid"
)

// Profile represents a user profile in the database
type Profile struct {
	ID          uuid.UUID `db:"id"`
	DisplayName string    `db:"display_name"`
	CreatedAt   time.Time `db:"created_at"`
}

// Tree represents a family tree in the database
type Tree struct {
	ID        uuid.UUID `db:"id"`
	OwnerID   uuid.UUID `db:"owner_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Identity is the author a recipient address resolved to.
// TreeID is set only for tree-scoped addresses.
type Identity struct {
	AuthorID    uuid.UUID
	TreeID      *uuid.UUID
	DisplayName string
}

// Leaf represents a stored memory
type Leaf struct {
	ID              uuid.UUID  `db:"id"`
	AuthorID        uuid.UUID  `db:"author_id"`
	TreeID          *uuid.UUID `db:"tree_id"`
	LeafType        string     `db:"leaf_type"`
	Content         string     `db:"content"`
	Confidence      string     `db:"confidence"`
	Source          string     `db:"source"`
	SourceMessageID string     `db:"source_message_id"`
	Sender          string     `db:"sender"`
	Subject         *string    `db:"subject"`
	ReceivedAt      *time.Time `db:"received_at"`
	CreatedAt       time.Time  `db:"created_at"`
	MediaCount      int        `db:"media_count"`
}

// LeafMedia represents one uploaded file attached to a leaf
type LeafMedia struct {
	ID          uuid.UUID `db:"id"`
	LeafID      uuid.UUID `db:"leaf_id"`
	Position    int       `db:"position"`
	URL         string    `db:"url"`
	StoragePath string    `db:"storage_path"`
	Filename    string    `db:"filename"`
	ContentType string    `db:"content_type"`
	SizeBytes   int64     `db:"size_bytes"`
	CreatedAt   time.Time `db:"created_at"`
}

// NewLeaf carries everything needed to persist a leaf and its media
type NewLeaf struct {
	AuthorID          uuid.UUID
	TreeID            *uuid.UUID
	LeafType          string
	Content           string
	Confidence        string
	Tags              []string
	MilestoneKeywords []string
	SourceMessageID   string
	Sender            string
	Subject           string
	ReceivedAt        *time.Time
	Media             []LeafMedia
}

// SourceEmail is the value stored in leaves.source for email ingestion
const SourceEmail = "email"
