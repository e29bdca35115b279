package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"remibot/internal/storage"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

// Store owns the authoritative in-memory reminder collection and its
// persistence. All mutations go through the store and apply to the live
// collection under one mutex, so a command handler and the scheduler racing
// on the same reminder degrade to a harmless no-op rather than a stale write.
type Store struct {
	log     logx.Logger
	backend storage.Store

	mu     sync.Mutex
	items  []*Reminder
	nextID uint64
}

func NewStore(backend storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{log: log, backend: backend, nextID: 1}
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Add appends the reminder, assigns its ID and persists.
func (s *Store) Add(ctx context.Context, r *Reminder) {
	s.mu.Lock()
	r.ID = s.nextID
	s.nextID++
	s.items = append(s.items, r)
	s.persistLocked(ctx)
	s.mu.Unlock()
}

// Remove deletes by ID and persists. Removing an already-removed reminder is
// a no-op: the scheduler and a command handler may legitimately race on the
// same entry.
func (s *Store) Remove(ctx context.Context, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(id) {
		s.log.Debug("remove: reminder not found", logx.Uint64("id", id))
		return false
	}
	s.persistLocked(ctx)
	return true
}

func (s *Store) removeLocked(id uint64) bool {
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a clone of the reminder with the given ID.
func (s *Store) Get(id uint64) (*Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id {
			return it.Clone(), true
		}
	}
	return nil, false
}

// Active returns clones of the reminders in scope that are still live at now:
// one-offs with a future fire time, and recurring ones whose fire time is
// lazily advanced to the next future occurrence (the live entry is advanced
// too, so repeated listings agree; the advance is persisted by the next
// regular save).
func (s *Store) Active(scope int64, now time.Time) []*Reminder {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Reminder
	for _, it := range s.items {
		if it.ScopeID != scope {
			continue
		}
		if it.FireTime.After(now) {
			out = append(out, it.Clone())
			continue
		}
		if !it.Recurring.IsRecurring() {
			continue
		}
		next, ok := NextAfter(it.FireTime, it.Recurring, it.Location(), now)
		if !ok {
			continue
		}
		it.FireTime = next
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireTime.Before(out[j].FireTime) })
	return out
}

// Update applies fn to a clone of the reminder and swaps the result in only
// if fn succeeds. A failed edit therefore rolls back completely, including
// fields fn already touched.
func (s *Store) Update(ctx context.Context, id uint64, fn func(*Reminder) error) (*Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, it := range s.items {
		if it.ID != id {
			continue
		}
		cp := it.Clone()
		if err := fn(cp); err != nil {
			return nil, err
		}
		s.items[i] = cp
		s.persistLocked(ctx)
		return cp.Clone(), nil
	}
	s.log.Debug("update: reminder not found", logx.Uint64("id", id))
	return nil, ErrIndexOutOfRange
}

// Plan classifies reminders for one scheduler tick and returns clones:
// warn holds reminders inside the advance-warning window
// [fire−lead, fire−lead+1m), due holds reminders with fire time <= now.
// The window is exactly one tick wide, so a reminder gets at most one
// warning.
func (s *Store) Plan(now time.Time, lead time.Duration) (warn, due []*Reminder) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		warnStart := it.FireTime.Add(-lead)
		if !now.Before(warnStart) && now.Before(warnStart.Add(time.Minute)) {
			warn = append(warn, it.Clone())
		}
		if !now.Before(it.FireTime) {
			due = append(due, it.Clone())
		}
	}
	return warn, due
}

// ExpiredOneOffs returns IDs of non-recurring reminders whose fire time is
// older than cutoff. Recurring reminders are never reported: they are
// perpetually renewed by the scheduler or removed explicitly.
func (s *Store) ExpiredOneOffs(cutoff time.Time) []uint64 {
	cutoff = cutoff.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint64
	for _, it := range s.items {
		if !it.Recurring.IsRecurring() && it.FireTime.Before(cutoff) {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// ApplyBatch removes and inserts in one critical section and persists once.
// Used at tick end so the on-disk snapshot moves between consistent states
// once per tick instead of once per reminder.
func (s *Store) ApplyBatch(ctx context.Context, removeIDs []uint64, add []*Reminder) {
	if len(removeIDs) == 0 && len(add) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range removeIDs {
		if !s.removeLocked(id) {
			s.log.Debug("batch remove: reminder not found", logx.Uint64("id", id))
		}
	}
	for _, r := range add {
		r.ID = s.nextID
		s.nextID++
		s.items = append(s.items, r)
	}
	s.persistLocked(ctx)
	s.mu.Unlock()
}

// Persist forces a snapshot save of the current collection.
func (s *Store) Persist(ctx context.Context) {
	s.mu.Lock()
	s.persistLocked(ctx)
	s.mu.Unlock()
}

// persistLocked saves the full collection. On failure it logs and keeps the
// in-memory state authoritative; the previous on-disk snapshot stays intact
// (the backends never truncate on a failed write).
func (s *Store) persistLocked(ctx context.Context) {
	if s.backend == nil {
		return
	}
	recs := make([]storage.Record, 0, len(s.items))
	for _, it := range s.items {
		recs = append(recs, it.record())
	}
	if err := s.backend.Save(ctx, recs); err != nil {
		s.log.Error("persisting reminders failed; keeping in-memory state", logx.Err(err), logx.Int("count", len(recs)))
	}
}

// Load reads the snapshot and rebuilds the collection. Each record's author,
// targets and channel are re-resolved through dir (expected to throttle and
// retry); records that cannot be resolved are dropped, which is steady-state
// behavior as users leave and channels get deleted, not a startup failure.
// Stale recurring fire times are advanced past now; stale one-offs are
// dropped.
func (s *Store) Load(ctx context.Context, dir kit.Directory, now time.Time) error {
	if s.backend == nil {
		return nil
	}
	recs, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	now = now.UTC()

	var loaded []*Reminder
	dropped := 0
	for _, rec := range recs {
		r := fromRecord(rec)
		if !s.resolveRecord(ctx, dir, r) {
			dropped++
			continue
		}
		if !r.FireTime.After(now) {
			if !r.Recurring.IsRecurring() {
				dropped++
				continue
			}
			next, ok := NextAfter(r.FireTime, r.Recurring, r.Location(), now)
			if !ok {
				s.log.Error("loaded recurring reminder has no next occurrence", logx.Time("fire_time", r.FireTime), logx.String("kind", r.Recurring.String()))
				dropped++
				continue
			}
			r.FireTime = next
		}
		loaded = append(loaded, r)
	}

	s.mu.Lock()
	s.items = loaded
	for _, it := range s.items {
		it.ID = s.nextID
		s.nextID++
	}
	s.mu.Unlock()

	s.log.Info("reminders loaded", logx.Int("count", len(loaded)), logx.Int("dropped", dropped))
	return nil
}

func (s *Store) resolveRecord(ctx context.Context, dir kit.Directory, r *Reminder) bool {
	if dir == nil {
		return true
	}

	if _, err := dir.ResolveChannel(ctx, r.Channel.ChatID); err != nil {
		s.log.Warn("dropping reminder: channel unresolvable", logx.Int64("chat_id", r.Channel.ChatID), logx.Err(err))
		return false
	}
	if _, err := dir.ResolveUser(ctx, r.AuthorID); err != nil {
		s.log.Warn("dropping reminder: author unresolvable", logx.Int64("author_id", r.AuthorID), logx.Err(err))
		return false
	}

	kept := r.TargetIDs[:0]
	for _, id := range r.TargetIDs {
		if _, err := dir.ResolveUser(ctx, id); err != nil {
			s.log.Warn("dropping unresolvable reminder target", logx.Int64("user_id", id), logx.Err(err))
			continue
		}
		kept = append(kept, id)
	}
	r.TargetIDs = kept
	if len(r.TargetIDs) == 0 {
		s.log.Warn("dropping reminder: no resolvable targets", logx.Int64("author_id", r.AuthorID))
		return false
	}
	return true
}
