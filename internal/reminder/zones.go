package reminder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	logx "remibot/pkg/logx"
)

// zoneDocument is the persisted shape: one JSON object, full overwrite on
// every change.
type zoneDocument struct {
	ScopeTimezones map[string]string `json:"scope_timezones"`
}

// Zones holds per-scope default timezones. A scope without an entry falls
// back to the global default in Limits.
type Zones struct {
	log  logx.Logger
	path string

	mu sync.RWMutex
	m  map[int64]string
}

func NewZones(path string, log logx.Logger) *Zones {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Zones{log: log, path: path, m: map[int64]string{}}
}

// Load reads the persisted map. A missing file is an empty map. Entries
// with unparseable keys or unknown zones are dropped, not fatal.
func (z *Zones) Load() error {
	b, err := os.ReadFile(z.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(b) == 0 {
		return nil
	}

	var doc zoneDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", z.path, err)
	}

	m := make(map[int64]string, len(doc.ScopeTimezones))
	for k, tz := range doc.ScopeTimezones {
		scope, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			z.log.Warn("dropping scope timezone with bad scope id", logx.String("key", k))
			continue
		}
		if _, err := time.LoadLocation(tz); err != nil {
			z.log.Warn("dropping scope timezone with unknown zone",
				logx.Int64("scope", scope), logx.String("zone", tz))
			continue
		}
		m[scope] = tz
	}

	z.mu.Lock()
	z.m = m
	z.mu.Unlock()
	return nil
}

// Get returns the zone set for scope, or "" when none is set.
func (z *Zones) Get(scope int64) string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.m[scope]
}

// Set validates tz, updates the map and persists it. An empty tz clears
// the override. A failed persist rolls the entry back so memory and disk
// stay in step.
func (z *Zones) Set(scope int64, tz string) error {
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: %q", ErrBadTimezone, tz)
		}
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	prev, had := z.m[scope]
	if tz == "" {
		delete(z.m, scope)
	} else {
		z.m[scope] = tz
	}

	if err := z.persistLocked(); err != nil {
		if had {
			z.m[scope] = prev
		} else {
			delete(z.m, scope)
		}
		return err
	}
	return nil
}

func (z *Zones) persistLocked() error {
	doc := zoneDocument{ScopeTimezones: make(map[string]string, len(z.m))}
	for scope, tz := range z.m {
		doc.ScopeTimezones[strconv.FormatInt(scope, 10)] = tz
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(z.path), 0o755); err != nil {
		return err
	}

	tmp := z.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, z.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
