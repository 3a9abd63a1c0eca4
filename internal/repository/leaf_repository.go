package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/welldanyogia/leafmail/internal/metrics"
)

// Leaf repository errors
var (
	ErrLeafNotFound  = errors.New("leaf not found")
	ErrDuplicateLeaf = errors.New("leaf already exists for source message")
)

const (
	uniqueViolationCode       = "23505"
	sourceMessageIDConstraint = "leaves_source_message_id_key"
)

// LeafRepo persists leaves and their media in PostgreSQL
type LeafRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewLeafRepo creates a new LeafRepo instance
func NewLeafRepo(db *sqlx.DB) *LeafRepo {
	return &LeafRepo{db: db, now: time.Now}
}

// CreateLeaf inserts a leaf and its media rows in one transaction.
// A second leaf for the same source message returns ErrDuplicateLeaf.
func (r *LeafRepo) CreateLeaf(ctx context.Context, leaf *NewLeaf) (uuid.UUID, error) {
	defer metrics.TimeQuery("create_leaf")()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	leafID := uuid.New()
	createdAt := r.now().UTC()

	query := `
		INSERT INTO leaves (id, author_id, tree_id, leaf_type, content, confidence, tags, milestone_keywords,
			source, source_message_id, sender, subject, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = tx.ExecContext(ctx, query,
		leafID,
		leaf.AuthorID,
		leaf.TreeID,
		leaf.LeafType,
		leaf.Content,
		leaf.Confidence,
		nonNil(leaf.Tags),
		nonNil(leaf.MilestoneKeywords),
		SourceEmail,
		leaf.SourceMessageID,
		leaf.Sender,
		nullableString(leaf.Subject),
		leaf.ReceivedAt,
		createdAt,
	)
	if err != nil {
		if IsDuplicateSource(err) {
			return uuid.Nil, ErrDuplicateLeaf
		}
		return uuid.Nil, fmt.Errorf("failed to create leaf: %w", err)
	}

	mediaQuery := `
		INSERT INTO leaf_media (id, leaf_id, position, url, storage_path, filename, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for i, media := range MediaRows(leafID, leaf.Media, createdAt) {
		_, err := tx.ExecContext(ctx, mediaQuery,
			media.ID,
			media.LeafID,
			media.Position,
			media.URL,
			media.StoragePath,
			media.Filename,
			media.ContentType,
			media.SizeBytes,
			media.CreatedAt,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to create leaf media %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return leafID, nil
}

// FindBySourceMessageID returns the leaf created for a source message
func (r *LeafRepo) FindBySourceMessageID(ctx context.Context, sourceMessageID string) (*Leaf, error) {
	defer metrics.TimeQuery("find_leaf_by_source")()

	query := `
		SELECT l.id, l.author_id, l.tree_id, l.leaf_type, l.content, l.confidence, l.source,
			l.source_message_id, l.sender, l.subject, l.received_at, l.created_at,
			(SELECT COUNT(*) FROM leaf_media m WHERE m.leaf_id = l.id) AS media_count
		FROM leaves l
		WHERE l.source_message_id = $1
	`

	var leaf Leaf
	err := r.db.GetContext(ctx, &leaf, query, sourceMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLeafNotFound
		}
		return nil, fmt.Errorf("failed to get leaf: %w", err)
	}
	return &leaf, nil
}

// BatchExistsInDatabase reports which storage paths a leaf_media row references
func (r *LeafRepo) BatchExistsInDatabase(ctx context.Context, storagePaths []string) (map[string]bool, error) {
	result := make(map[string]bool, len(storagePaths))
	if len(storagePaths) == 0 {
		return result, nil
	}

	var found []string
	query := `SELECT storage_path FROM leaf_media WHERE storage_path = ANY($1)`
	if err := r.db.SelectContext(ctx, &found, query, storagePaths); err != nil {
		return nil, fmt.Errorf("failed to check storage paths: %w", err)
	}
	for _, p := range found {
		result[p] = true
	}
	return result, nil
}

// MediaRows assigns ids and positions to media in attachment order
func MediaRows(leafID uuid.UUID, media []LeafMedia, createdAt time.Time) []LeafMedia {
	rows := make([]LeafMedia, 0, len(media))
	for _, m := range media {
		if m.URL == "" {
			continue
		}
		m.ID = uuid.New()
		m.LeafID = leafID
		m.Position = len(rows)
		m.CreatedAt = createdAt
		rows = append(rows, m)
	}
	return rows
}

// IsDuplicateSource reports whether err is the unique violation on leaves.source_message_id
func IsDuplicateSource(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == sourceMessageIDConstraint
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
