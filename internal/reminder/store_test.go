package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"remibot/internal/storage"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

type fakeBackend struct {
	mu    sync.Mutex
	saves int
	last  []storage.Record
	load  []storage.Record

	saveErr error
	loadErr error
}

func (f *fakeBackend) Save(_ context.Context, recs []storage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.last = append([]storage.Record(nil), recs...)
	return nil
}

func (f *fakeBackend) Load(context.Context) ([]storage.Record, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.load, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// fakeDirectory resolves only the ids it was seeded with; everything else is
// not-found.
type fakeDirectory struct {
	users    map[int64]bool
	channels map[int64]bool
}

func (f *fakeDirectory) ResolveUser(_ context.Context, id int64) (kit.User, error) {
	if f.users[id] {
		return kit.User{ID: id, Username: fmt.Sprintf("user%d", id)}, nil
	}
	return kit.User{}, fmt.Errorf("user %d: %w", id, kit.ErrNotFound)
}

func (f *fakeDirectory) ResolveChannel(_ context.Context, id int64) (kit.Channel, error) {
	if f.channels[id] {
		return kit.Channel{ID: id, Title: "chan"}, nil
	}
	return kit.Channel{}, fmt.Errorf("channel %d: %w", id, kit.ErrNotFound)
}

func testReminder(fire time.Time, kind Kind) *Reminder {
	return &Reminder{
		FireTime:  fire.UTC(),
		AuthorID:  100,
		TargetIDs: []int64{100},
		Message:   "water the plants",
		Channel:   kit.ChatTarget{ChatID: -500},
		ScopeID:   -500,
		Recurring: kind,
		Timezone:  "UTC",
	}
}

func TestStoreAddAssignsIDsAndPersists(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	s := NewStore(backend, logx.Nop())

	a := testReminder(time.Now().Add(time.Hour), None)
	b := testReminder(time.Now().Add(2*time.Hour), Daily)
	s.Add(context.Background(), a)
	s.Add(context.Background(), b)

	if a.ID == 0 || b.ID == 0 || a.ID == b.ID {
		t.Fatalf("bad ids: %d, %d", a.ID, b.ID)
	}
	if got := backend.saveCount(); got != 2 {
		t.Fatalf("saves = %d, want 2", got)
	}
	if len(backend.last) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(backend.last))
	}
}

func TestStoreRemoveTwiceIsNoOp(t *testing.T) {
	t.Parallel()
	s := NewStore(&fakeBackend{}, logx.Nop())
	r := testReminder(time.Now().Add(time.Hour), None)
	s.Add(context.Background(), r)

	if !s.Remove(context.Background(), r.ID) {
		t.Fatal("first remove should report true")
	}
	if s.Remove(context.Background(), r.ID) {
		t.Fatal("second remove should be a no-op")
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d, want 0", s.Count())
	}
}

func TestStorePersistErrorKeepsMemoryAuthoritative(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{saveErr: errors.New("disk full")}
	s := NewStore(backend, logx.Nop())

	r := testReminder(time.Now().Add(time.Hour), None)
	s.Add(context.Background(), r)

	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1 despite save failure", s.Count())
	}
}

func TestStoreActive(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(&fakeBackend{}, logx.Nop())

	later := testReminder(now.Add(2*time.Hour), None)
	sooner := testReminder(now.Add(time.Hour), None)
	staleOneOff := testReminder(now.Add(-time.Hour), None)
	staleDaily := testReminder(now.Add(-30*time.Minute), Daily)
	otherScope := testReminder(now.Add(time.Hour), None)
	otherScope.ScopeID = -999

	for _, r := range []*Reminder{later, sooner, staleOneOff, staleDaily, otherScope} {
		s.Add(context.Background(), r)
	}

	got := s.Active(-500, now)
	if len(got) != 3 {
		t.Fatalf("active = %d, want 3", len(got))
	}
	if got[0].ID != sooner.ID || got[2].ID != later.ID {
		t.Fatalf("wrong sort order: %d, %d, %d", got[0].ID, got[1].ID, got[2].ID)
	}

	// The stale daily reminder is advanced to the next future occurrence,
	// both in the returned clone and in the live entry.
	wantFire := now.Add(-30 * time.Minute).Add(24 * time.Hour)
	if !got[1].FireTime.Equal(wantFire) {
		t.Fatalf("advanced fire = %v, want %v", got[1].FireTime, wantFire)
	}
	live, _ := s.Get(staleDaily.ID)
	if !live.FireTime.Equal(wantFire) {
		t.Fatalf("live entry not advanced: %v", live.FireTime)
	}
}

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := NewStore(&fakeBackend{}, logx.Nop())
	r := testReminder(time.Now().Add(time.Hour), None)
	s.Add(context.Background(), r)

	_, err := s.Update(context.Background(), r.ID, func(cp *Reminder) error {
		cp.Message = "changed"
		cp.Timezone = "Europe/Berlin"
		return errors.New("temporal validation failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	got, _ := s.Get(r.ID)
	if got.Message != "water the plants" || got.Timezone != "UTC" {
		t.Fatalf("partial edit leaked: %q %q", got.Message, got.Timezone)
	}
}

func TestStorePlanWindows(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lead := 15 * time.Minute

	tests := []struct {
		name string
		fire time.Time
		warn bool
		due  bool
	}{
		{name: "due now", fire: now, warn: false, due: true},
		{name: "overdue", fire: now.Add(-5 * time.Minute), warn: false, due: true},
		{name: "exactly lead ahead", fire: now.Add(lead), warn: true, due: false},
		{name: "just inside window", fire: now.Add(lead - 59*time.Second), warn: true, due: false},
		{name: "one tick early", fire: now.Add(lead + time.Minute), warn: false, due: false},
		{name: "past the window", fire: now.Add(lead - time.Minute), warn: false, due: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(&fakeBackend{}, logx.Nop())
			s.Add(context.Background(), testReminder(tt.fire, None))
			warn, due := s.Plan(now, lead)
			if (len(warn) == 1) != tt.warn {
				t.Fatalf("warn = %d, want warn=%v", len(warn), tt.warn)
			}
			if (len(due) == 1) != tt.due {
				t.Fatalf("due = %d, want due=%v", len(due), tt.due)
			}
		})
	}
}

func TestStoreExpiredOneOffs(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s := NewStore(&fakeBackend{}, logx.Nop())

	old := testReminder(now.Add(-8*24*time.Hour), None)
	recent := testReminder(now.Add(-6*24*time.Hour), None)
	oldRecurring := testReminder(now.Add(-30*24*time.Hour), Weekly)
	for _, r := range []*Reminder{old, recent, oldRecurring} {
		s.Add(context.Background(), r)
	}

	ids := s.ExpiredOneOffs(now.Add(-7 * 24 * time.Hour))
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expired = %v, want [%d]", ids, old.ID)
	}
}

func TestStoreApplyBatchPersistsOnce(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	s := NewStore(backend, logx.Nop())

	a := testReminder(time.Now().Add(time.Hour), Daily)
	s.Add(context.Background(), a)
	before := backend.saveCount()

	next := a.NextCopy(a.FireTime.Add(24 * time.Hour))
	s.ApplyBatch(context.Background(), []uint64{a.ID, 9999}, []*Reminder{next})

	if got := backend.saveCount(); got != before+1 {
		t.Fatalf("saves = %d, want %d", got, before+1)
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
	if next.ID == 0 || next.ID == a.ID {
		t.Fatalf("batch insert id = %d", next.ID)
	}
}

func TestStoreLoad(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 2, 12, 14, 0, 0, 0, time.UTC)
	daily := "daily"

	rec := func(fire time.Time, chat int64, targets []int64, recurring *string) storage.Record {
		return storage.Record{
			FireTime:  fire,
			AuthorID:  100,
			TargetIDs: targets,
			Message:   "m",
			ChatID:    chat,
			Recurring: recurring,
			Timezone:  "UTC",
		}
	}

	backend := &fakeBackend{load: []storage.Record{
		rec(time.Date(2024, 2, 10, 14, 0, 0, 0, time.UTC), -500, []int64{100}, &daily), // missed twice, advances
		rec(now.Add(time.Hour), -500, []int64{100, 200, 300}, nil),                     // 300 unresolvable, kept without it
		rec(now.Add(time.Hour), -666, []int64{100}, nil),                               // channel gone
		rec(now.Add(time.Hour), -500, []int64{300}, nil),                               // no resolvable targets
		rec(now.Add(-time.Hour), -500, []int64{100}, nil),                              // stale one-off
	}}
	dir := &fakeDirectory{
		users:    map[int64]bool{100: true, 200: true},
		channels: map[int64]bool{-500: true},
	}

	s := NewStore(backend, logx.Nop())
	if err := s.Load(context.Background(), dir, now); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}

	// The missed daily reminder skipped both elapsed days.
	advanced, ok := s.Get(1)
	if !ok {
		t.Fatal("advanced reminder missing")
	}
	want := time.Date(2024, 2, 13, 14, 0, 0, 0, time.UTC)
	if !advanced.FireTime.Equal(want) {
		t.Fatalf("fire = %v, want %v", advanced.FireTime, want)
	}

	trimmed, ok := s.Get(2)
	if !ok {
		t.Fatal("trimmed reminder missing")
	}
	if diff := cmp.Diff([]int64{100, 200}, trimmed.TargetIDs); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestReminderRecordRoundTrip(t *testing.T) {
	t.Parallel()
	r := &Reminder{
		FireTime:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		AuthorID:  100,
		TargetIDs: []int64{100, 200},
		Message:   "stand up",
		Channel:   kit.ChatTarget{ChatID: -500, ThreadID: 7},
		ScopeID:   -500,
		Recurring: Weekly,
		Timezone:  "Europe/Berlin",
	}

	got := fromRecord(r.record())
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	oneOff := testReminder(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), None)
	if rec := oneOff.record(); rec.Recurring != nil {
		t.Fatalf("one-off recurring = %q, want null", *rec.Recurring)
	}
}
