//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remibot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	tunePool(db, cfg.BusyTimeout)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// tunePool caps the pool at one writer, which is what SQLite tolerates, and
// applies the runtime pragmas.
func tunePool(db *sql.DB, busy time.Duration) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if busy > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ddl, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(ddl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the whole reminders table in one transaction, mirroring the
// file driver's full-overwrite contract.
func (s *sqliteStore) Save(ctx context.Context, recs []Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders`); err != nil {
		return err
	}
	for _, r := range recs {
		targets, err := json.Marshal(r.TargetIDs)
		if err != nil {
			return err
		}
		var recurring any
		if r.Recurring != nil {
			recurring = *r.Recurring
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reminders(fire_time, author_id, target_ids, message, chat_id, thread_id, scope_id, recurring, timezone)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			r.FireTime.UTC().Format(time.RFC3339Nano), r.AuthorID, string(targets), r.Message,
			r.ChatID, r.ThreadID, r.ScopeID, recurring, r.Timezone,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT fire_time, author_id, target_ids, message, chat_id, thread_id, scope_id, recurring, timezone
		 FROM reminders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			fire      string
			targets   string
			recurring sql.NullString
		)
		if err := rows.Scan(&fire, &r.AuthorID, &targets, &r.Message, &r.ChatID, &r.ThreadID, &r.ScopeID, &recurring, &r.Timezone); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, fire)
		if err != nil {
			s.log.Warn("dropping reminder row with bad fire_time", logx.String("fire_time", fire), logx.Err(err))
			continue
		}
		r.FireTime = t.UTC()
		if err := json.Unmarshal([]byte(targets), &r.TargetIDs); err != nil {
			s.log.Warn("dropping reminder row with bad target_ids", logx.Err(err))
			continue
		}
		if recurring.Valid {
			v := recurring.String
			r.Recurring = &v
		}
		if err := r.Validate(); err != nil {
			s.log.Warn("dropping invalid reminder row", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
