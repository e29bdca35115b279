package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "remibot/pkg/logx"
)

// fileStore keeps the whole collection in one JSON document.
//
// Every save validates first, writes to <path>.tmp, then renames over the
// previous snapshot. A failed save leaves the old snapshot intact.
type fileStore struct {
	log  logx.Logger
	mu   sync.Mutex
	path string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Save(ctx context.Context, recs []Record) error {
	_ = ctx
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return replaceFile(s.path, b)
}

// replaceFile writes to a sibling temp file and renames it into place, so a
// failed write never clobbers the previous snapshot.
func replaceFile(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Load(ctx context.Context) ([]Record, error) {
	_ = ctx

	s.mu.Lock()
	b, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}

	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}

	// Skip records that fail schema validation instead of failing the whole
	// load; the rest of the snapshot is still usable.
	out := recs[:0]
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			s.log.Warn("dropping invalid reminder record", logx.Int("index", i), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
