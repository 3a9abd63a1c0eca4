package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/welldanyogia/leafmail/internal/metrics"
	"github.com/welldanyogia/leafmail/internal/recipient"
)

// Identity repository errors
var (
	ErrIdentityNotFound = errors.New("identity not found")
)

// IdentityRepository looks up the author behind a resolved recipient
type IdentityRepository interface {
	Lookup(ctx context.Context, kind recipient.Kind, id string) (*Identity, error)
}

// identityRepository implements IdentityRepository using PostgreSQL
type identityRepository struct {
	pool *pgxpool.Pool
}

// NewIdentityRepository creates a new IdentityRepository instance
func NewIdentityRepository(pool *pgxpool.Pool) IdentityRepository {
	return &identityRepository{pool: pool}
}

// Lookup resolves a user or tree id to its author.
// Ids that are not UUIDs cannot exist and report ErrIdentityNotFound.
func (r *identityRepository) Lookup(ctx context.Context, kind recipient.Kind, id string) (*Identity, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrIdentityNotFound
	}

	defer metrics.TimeQuery("lookup_identity")()

	switch kind {
	case recipient.KindUser:
		return r.lookupProfile(ctx, parsed)
	case recipient.KindTree:
		return r.lookupTree(ctx, parsed)
	default:
		return nil, fmt.Errorf("unknown identity kind %q", kind)
	}
}

func (r *identityRepository) lookupProfile(ctx context.Context, id uuid.UUID) (*Identity, error) {
	query := `
		SELECT id, display_name
		FROM profiles
		WHERE id = $1
	`

	identity := &Identity{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&identity.AuthorID, &identity.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return identity, nil
}

// lookupTree returns the tree owner as author
func (r *identityRepository) lookupTree(ctx context.Context, id uuid.UUID) (*Identity, error) {
	query := `
		SELECT t.id, t.owner_id, p.display_name
		FROM trees t
		JOIN profiles p ON p.id = t.owner_id
		WHERE t.id = $1
	`

	var treeID uuid.UUID
	identity := &Identity{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&treeID, &identity.AuthorID, &identity.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}
	identity.TreeID = &treeID
	return identity, nil
}
