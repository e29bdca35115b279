package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the reminder snapshot store.
//
// Driver values:
//   - "file": one JSON document, full overwrite per save (default)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted form of one reminder. Keep it schema-stable: this
// is the on-disk contract, not the in-memory entity.
type Record struct {
	FireTime  time.Time `json:"fire_time"` // stored in UTC
	AuthorID  int64     `json:"author_id"`
	TargetIDs []int64   `json:"target_ids"`
	Message   string    `json:"message"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	ScopeID   int64     `json:"scope_id,omitempty"`
	Recurring *string   `json:"recurring"` // "daily" | "weekly" | "monthly" | null
	Timezone  string    `json:"timezone"`
}

const maxRecordMessageLen = 4096

// Validate checks the schema invariants a record must satisfy regardless of
// runtime configuration. Policy limits (message length, target count) are
// enforced by the command service; the bounds here only guard against
// corrupted documents.
func (r Record) Validate() error {
	if r.FireTime.IsZero() {
		return errors.New("fire_time is zero")
	}
	if r.AuthorID == 0 {
		return errors.New("author_id is zero")
	}
	if len(r.TargetIDs) == 0 {
		return errors.New("target_ids is empty")
	}
	if r.Message == "" {
		return errors.New("message is empty")
	}
	if len(r.Message) > maxRecordMessageLen {
		return fmt.Errorf("message exceeds %d bytes", maxRecordMessageLen)
	}
	if r.ChatID == 0 {
		return errors.New("chat_id is zero")
	}
	if r.Recurring != nil {
		switch *r.Recurring {
		case "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("unknown recurring kind %q", *r.Recurring)
		}
	}
	if r.Timezone == "" {
		return errors.New("timezone is empty")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", r.Timezone, err)
	}
	return nil
}

// Store persists the full reminder collection as one snapshot. Save replaces
// the previous snapshot atomically; there is no append path.
type Store interface {
	Save(ctx context.Context, recs []Record) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}
