package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"remibot/internal/reminder"
	"remibot/internal/storage"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

type countBackend struct {
	mu    sync.Mutex
	saves int
}

func (b *countBackend) Save(context.Context, []storage.Record) error {
	b.mu.Lock()
	b.saves++
	b.mu.Unlock()
	return nil
}

func (b *countBackend) Load(context.Context) ([]storage.Record, error) { return nil, nil }
func (b *countBackend) Close() error                                   { return nil }

func (b *countBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

type sentMsg struct {
	To   kit.ChatTarget
	Text string
}

// fakeSender records sends and fails each attempt with the next scripted
// error; once the script is exhausted, sends succeed.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	errs []error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{To: to, Text: text})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type staticDir struct {
	users map[int64]kit.User
}

func (d *staticDir) ResolveUser(_ context.Context, id int64) (kit.User, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return kit.User{}, fmt.Errorf("user %d: %w", id, kit.ErrNotFound)
}

func (d *staticDir) ResolveChannel(_ context.Context, id int64) (kit.Channel, error) {
	return kit.Channel{ID: id}, nil
}

type tickFixture struct {
	svc     *Service
	store   *reminder.Store
	sender  *fakeSender
	backend *countBackend
	now     time.Time
}

func newFixture(t *testing.T, cfg Config) *tickFixture {
	t.Helper()
	backend := &countBackend{}
	store := reminder.NewStore(backend, logx.Nop())
	sender := &fakeSender{}
	dir := &staticDir{users: map[int64]kit.User{
		100: {ID: 100, DisplayName: "Alice"},
		200: {ID: 200, Username: "bob"},
	}}

	// Fast retries so failure paths do not slow the suite down.
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}

	svc := New(cfg, store, sender, dir, nil, logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	return &tickFixture{svc: svc, store: store, sender: sender, backend: backend, now: now}
}

func (f *tickFixture) add(t *testing.T, fire time.Time, kind reminder.Kind, targets ...int64) *reminder.Reminder {
	t.Helper()
	if len(targets) == 0 {
		targets = []int64{100}
	}
	r := &reminder.Reminder{
		FireTime:  fire.UTC(),
		AuthorID:  targets[0],
		TargetIDs: targets,
		Message:   "drink water",
		Channel:   kit.ChatTarget{ChatID: -500},
		ScopeID:   -500,
		Recurring: kind,
		Timezone:  "UTC",
	}
	f.store.Add(context.Background(), r)
	return r
}

func TestTickDeliversDueOneOffs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.add(t, f.now, reminder.None)
	f.add(t, f.now.Add(-time.Minute), reminder.None, 200)
	before := f.backend.saveCount()

	f.svc.tick(context.Background())

	msgs := f.sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("sends = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if !strings.HasPrefix(m.Text, "🔔 Reminder for ") {
			t.Fatalf("unexpected message %q", m.Text)
		}
	}
	if f.store.Count() != 0 {
		t.Fatalf("count = %d, want 0", f.store.Count())
	}
	if got := f.backend.saveCount(); got != before+1 {
		t.Fatalf("saves during tick = %d, want 1", got-before)
	}
}

func TestTickWarnsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{WarnLead: 15 * time.Minute})
	f.add(t, f.now.Add(15*time.Minute), reminder.None)

	f.svc.tick(context.Background())
	if msgs := f.sender.messages(); len(msgs) != 1 || !strings.HasPrefix(msgs[0].Text, "⚠️ Heads up! ") {
		t.Fatalf("expected one warning, got %v", msgs)
	}
	if f.store.Count() != 1 {
		t.Fatal("warning must not consume the reminder")
	}

	// One tick later the reminder has left the warning window.
	later := f.now.Add(time.Minute)
	f.svc.SetClock(func() time.Time { return later })
	f.svc.tick(context.Background())
	if msgs := f.sender.messages(); len(msgs) != 1 {
		t.Fatalf("warned again: %v", msgs)
	}
}

func TestTickWarnsEachTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{WarnLead: 15 * time.Minute})
	f.add(t, f.now.Add(15*time.Minute), reminder.None, 100, 200)

	f.svc.tick(context.Background())
	msgs := f.sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("sends = %d, want one warning per target", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Alice") || !strings.Contains(msgs[1].Text, "@bob") {
		t.Fatalf("mentions wrong: %q / %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestTickPermanentFailureDropsOneOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 3})
	f.add(t, f.now, reminder.None)
	f.sender.errs = []error{fmt.Errorf("kicked: %w", kit.ErrForbidden)}

	f.svc.tick(context.Background())

	if got := len(f.sender.messages()); got != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on permanent errors)", got)
	}
	if f.store.Count() != 0 {
		t.Fatalf("count = %d, want 0", f.store.Count())
	}
}

func TestTickPermanentFailureKeepsRecurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	r := f.add(t, f.now, reminder.Daily)
	f.sender.errs = []error{fmt.Errorf("kicked: %w", kit.ErrForbidden)}

	f.svc.tick(context.Background())

	if f.store.Count() != 1 {
		t.Fatalf("count = %d, want 1 (recurrence survives a dead channel)", f.store.Count())
	}
	next := f.store.Active(-500, f.now)[0]
	if next.ID == r.ID {
		t.Fatal("expected a fresh entry, not the delivered one")
	}
	if want := f.now.Add(24 * time.Hour); !next.FireTime.Equal(want) {
		t.Fatalf("next fire = %v, want %v", next.FireTime, want)
	}
}

func TestTickTransientFailureKeepsOneOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 1})
	r := f.add(t, f.now, reminder.None)
	f.sender.errs = []error{kit.ErrUnavailable, kit.ErrUnavailable}

	f.svc.tick(context.Background())

	if got := len(f.sender.messages()); got != 2 {
		t.Fatalf("attempts = %d, want 2 (initial + one retry)", got)
	}
	kept, ok := f.store.Get(r.ID)
	if !ok {
		t.Fatal("one-off must survive transient exhaustion for the next tick")
	}
	if !kept.FireTime.Equal(r.FireTime) {
		t.Fatalf("fire changed: %v", kept.FireTime)
	}
}

func TestTickTransientFailureReschedulesRecurring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 0})
	f.add(t, f.now, reminder.Weekly)
	f.sender.errs = []error{kit.ErrUnavailable}

	f.svc.tick(context.Background())

	if f.store.Count() != 1 {
		t.Fatalf("count = %d, want 1", f.store.Count())
	}
	next := f.store.Active(-500, f.now)[0]
	if want := f.now.Add(7 * 24 * time.Hour); !next.FireTime.Equal(want) {
		t.Fatalf("next fire = %v, want %v", next.FireTime, want)
	}
}

func TestTickRetriesThenDelivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2})
	f.add(t, f.now, reminder.None)
	f.sender.errs = []error{&kit.RateLimitedError{RetryAfter: time.Millisecond}, kit.ErrUnavailable}

	f.svc.tick(context.Background())

	if got := len(f.sender.messages()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if f.store.Count() != 0 {
		t.Fatalf("count = %d, want 0 after eventual delivery", f.store.Count())
	}
}

func TestTickRendersTimezoneSuffix(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	r := f.add(t, f.now, reminder.None)
	f.store.Update(context.Background(), r.ID, func(cp *reminder.Reminder) error {
		cp.Timezone = "Europe/Berlin"
		return nil
	})

	f.svc.tick(context.Background())

	msgs := f.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "(Europe/Berlin)") {
		t.Fatalf("missing timezone suffix: %v", msgs)
	}
}

func TestTickEscapesMessageHTML(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	r := f.add(t, f.now, reminder.None)
	f.store.Update(context.Background(), r.ID, func(cp *reminder.Reminder) error {
		cp.Message = "a <b> & c"
		return nil
	})

	f.svc.tick(context.Background())

	msgs := f.sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "a &lt;b&gt; &amp; c") {
		t.Fatalf("message not escaped: %v", msgs)
	}
}

func TestMentionFallsBackToNumericID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	got := f.svc.mention(context.Background(), 999)
	want := `<a href="tg://user?id=999">user 999</a>`
	if got != want {
		t.Fatalf("mention = %q, want %q", got, want)
	}
}

func TestCleanupRemovesOnlyStaleOneOffs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Retention: 7 * 24 * time.Hour})
	old := f.add(t, f.now.Add(-8*24*time.Hour), reminder.None)
	recent := f.add(t, f.now.Add(-6*24*time.Hour), reminder.None)
	oldRecurring := f.add(t, f.now.Add(-30*24*time.Hour), reminder.Daily)

	f.svc.cleanup(context.Background())

	if _, ok := f.store.Get(old.ID); ok {
		t.Fatal("stale one-off survived cleanup")
	}
	if _, ok := f.store.Get(recent.ID); !ok {
		t.Fatal("recent one-off removed")
	}
	if _, ok := f.store.Get(oldRecurring.ID); !ok {
		t.Fatal("recurring reminder removed by cleanup")
	}
}

func TestRetryDelayBackoffIsBoundedAndCapped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second})
	cfg, _ := f.svc.snapshot()

	for attempt := 1; attempt <= 8; attempt++ {
		d := f.svc.retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	// Deep attempts saturate near the cap despite jitter.
	if d := f.svc.retryDelay(cfg, 8); d < time.Duration(float64(cfg.RetryMaxDelay)*0.7) {
		t.Fatalf("attempt 8: delay %v below jittered cap floor", d)
	}
}

func TestGroupByChannelPreservesOrder(t *testing.T) {
	t.Parallel()
	mk := func(chat int64) *reminder.Reminder {
		return &reminder.Reminder{Channel: kit.ChatTarget{ChatID: chat}}
	}
	groups := groupByChannel([]*reminder.Reminder{mk(-1), mk(-2), mk(-1), mk(-3)})
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if groups[0][0].Channel.ChatID != -1 || len(groups[0]) != 2 {
		t.Fatalf("first group wrong: %+v", groups[0])
	}
	if groups[1][0].Channel.ChatID != -2 || groups[2][0].Channel.ChatID != -3 {
		t.Fatal("channel order not preserved")
	}
}
