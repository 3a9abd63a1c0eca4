package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/welldanyogia/leafmail/internal/recipient"
	"pgregory.net/rapid"
)

func TestIdentityLookup_InvalidUUID(t *testing.T) {
	// A nil pool proves the lookup never reaches the database
	repo := NewIdentityRepository(nil)

	for _, id := range []string{"", "not-a-uuid", "1234", "../etc"} {
		_, err := repo.Lookup(context.Background(), recipient.KindUser, id)
		if !errors.Is(err, ErrIdentityNotFound) {
			t.Errorf("Lookup(%q) error = %v, want ErrIdentityNotFound", id, err)
		}
	}
}

func TestIsDuplicateSource(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"source message id", &pgconn.PgError{Code: "23505", ConstraintName: "leaves_source_message_id_key"}, true},
		{"wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "leaves_source_message_id_key"}), true},
		{"other constraint", &pgconn.PgError{Code: "23505", ConstraintName: "leaves_pkey"}, false},
		{"other code", &pgconn.PgError{Code: "23503", ConstraintName: "leaves_source_message_id_key"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicateSource(tt.err); got != tt.want {
				t.Errorf("IsDuplicateSource() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMediaRows(t *testing.T) {
	leafID := uuid.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := MediaRows(leafID, []LeafMedia{
		{URL: "https://cdn/a.jpg", Filename: "a.jpg"},
		{URL: "", Filename: "skipped.mov"},
		{URL: "https://cdn/b.mp3", Filename: "b.mp3"},
	}, now)

	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	for i, row := range rows {
		if row.Position != i {
			t.Errorf("rows[%d].Position = %d", i, row.Position)
		}
		if row.LeafID != leafID || !row.CreatedAt.Equal(now) || row.ID == uuid.Nil {
			t.Errorf("rows[%d] not stamped: %+v", i, row)
		}
	}
	if rows[1].Filename != "b.mp3" {
		t.Errorf("order not kept: %+v", rows)
	}
}

func TestMediaRows_PositionsDense(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		media := make([]LeafMedia, n)
		stored := 0
		for i := range media {
			if rapid.Bool().Draw(t, "stored") {
				media[i].URL = fmt.Sprintf("https://cdn/%d", i)
				stored++
			}
		}

		rows := MediaRows(uuid.New(), media, time.Now())
		if len(rows) != stored {
			t.Fatalf("len(rows) = %d, want %d", len(rows), stored)
		}
		for i, row := range rows {
			if row.Position != i {
				t.Fatalf("position %d at index %d", row.Position, i)
			}
		}
	})
}

func TestNullableString(t *testing.T) {
	if nullableString("") != nil {
		t.Error("empty string should be NULL")
	}
	if got := nullableString("Hi"); got == nil || *got != "Hi" {
		t.Errorf("nullableString(Hi) = %v", got)
	}
	if nonNil(nil) == nil {
		t.Error("nonNil(nil) should be an empty slice")
	}
}
