package router

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	answered []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (f *fakeAdapter) ResolveUser(_ context.Context, id int64) (kit.User, error) {
	return kit.User{ID: id}, nil
}

func (f *fakeAdapter) ResolveChannel(_ context.Context, id int64) (kit.Channel, error) {
	return kit.Channel{ID: id}, nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, callbackID, text string) error {
	f.mu.Lock()
	f.answered = append(f.answered, callbackID+"|"+text)
	f.mu.Unlock()
	return nil
}

// drain runs every queued job synchronously.
func drain(m *Router) {
	for {
		select {
		case job := <-m.jobs:
			job()
		default:
			return
		}
	}
}

func msgUpdate(text string, group bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID:  -500,
		FromID:  100,
		Text:    text,
		IsGroup: group,
	}}
}

func TestRouteMessageDispatches(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := New(logx.Nop(), ad)

	var (
		gotCmd  string
		gotArgs []string
	)
	m.Register([]Command{{
		Name:    "remind",
		Aliases: []string{"r"},
		Handle: func(_ context.Context, req *Request) error {
			gotCmd = req.Command
			gotArgs = req.Args
			return req.Respond.Respond(context.Background(), "ok", nil)
		},
	}}, nil)

	m.routeMessage(context.Background(), msgUpdate(`/r@mybot 2026-05-01 09:00 "stand up" tz=UTC`, true))
	drain(m)

	if gotCmd != "remind" {
		t.Fatalf("command = %q, want remind (via alias, bot suffix stripped)", gotCmd)
	}
	want := []string{"2026-05-01", "09:00", "stand up", "tz=UTC"}
	if diff := cmp.Diff(want, gotArgs); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	if len(ad.sent) != 1 || ad.sent[0] != "ok" {
		t.Fatalf("sent = %v", ad.sent)
	}
}

func TestRouteMessageUnknownCommand(t *testing.T) {
	t.Parallel()

	// In a group, unknown commands are silently ignored; other bots own them.
	ad := &fakeAdapter{}
	m := New(logx.Nop(), ad)
	m.routeMessage(context.Background(), msgUpdate("/pizza", true))
	drain(m)
	if len(ad.sent) != 0 {
		t.Fatalf("group: sent = %v, want silence", ad.sent)
	}

	// In a private chat the user gets a hint.
	m.routeMessage(context.Background(), msgUpdate("/pizza", false))
	drain(m)
	if len(ad.sent) != 1 || !strings.Contains(ad.sent[0], "Unknown command") {
		t.Fatalf("private: sent = %v", ad.sent)
	}
}

func TestRouteMessageIgnoresPlainText(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := New(logx.Nop(), ad)
	m.routeMessage(context.Background(), msgUpdate("hello there", false))
	drain(m)
	if len(ad.sent) != 0 {
		t.Fatalf("sent = %v, want nothing", ad.sent)
	}
}

func TestRouteCallback(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := New(logx.Nop(), ad)

	var gotPayload string
	m.Register(nil, []CallbackRoute{{
		Namespace: "rem",
		Action:    "page",
		Handle: func(_ context.Context, _ *Request, payload string) error {
			gotPayload = payload
			return nil
		},
	}})

	m.routeCallback(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:     "cb1",
		ChatID: -500,
		FromID: 100,
		Data:   "rem:page:2",
	}})
	drain(m)

	if gotPayload != "2" {
		t.Fatalf("payload = %q, want 2", gotPayload)
	}
	// The spinner is stopped after the job runs.
	if len(ad.answered) != 1 || ad.answered[0] != "cb1|" {
		t.Fatalf("answered = %v", ad.answered)
	}
}

func TestRouteCallbackUnknownRoute(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := New(logx.Nop(), ad)

	m.routeCallback(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:   "cb1",
		Data: "other:thing",
	}})
	drain(m)

	if len(ad.answered) != 1 {
		t.Fatalf("answered = %v, want spinner stop only", ad.answered)
	}
}

func TestCallbackResponderShortVsLong(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := callbackResponder{adapter: ad, chat: kit.ChatTarget{ChatID: -500}, callbackID: "cb1"}

	if err := r.Respond(context.Background(), "Removed.", nil); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(ad.answered) != 1 || len(ad.sent) != 0 {
		t.Fatalf("short text should answer the callback: %v / %v", ad.answered, ad.sent)
	}

	long := strings.Repeat("x", callbackTextLimit+1)
	if err := r.Respond(context.Background(), long, nil); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(ad.sent) != 1 {
		t.Fatalf("long text should fall back to a chat message: %v", ad.sent)
	}

	// Markup always needs a real message.
	if err := r.Respond(context.Background(), "pick one", &kit.SendOptions{ReplyMarkupAdapter: struct{}{}}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(ad.sent) != 2 {
		t.Fatalf("markup should fall back to a chat message: %v", ad.sent)
	}
}

func TestRegisterSkipsInvalidEntries(t *testing.T) {
	t.Parallel()
	m := New(logx.Nop(), &fakeAdapter{})
	handle := func(context.Context, *Request) error { return nil }
	m.Register([]Command{
		{Name: "remind", Aliases: []string{"", "bad alias", "r"}, Handle: handle},
		{Name: "", Handle: handle},
		{Name: "nohandler"},
	}, nil)

	if got := len(m.Commands()); got != 1 {
		t.Fatalf("commands = %d, want 1", got)
	}
	m.mu.RLock()
	_, alias := m.cmds["r"]
	_, badAlias := m.cmds["bad alias"]
	m.mu.RUnlock()
	if !alias || badAlias {
		t.Fatalf("alias registration wrong: r=%v, bad=%v", alias, badAlias)
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "   ", want: nil},
		{in: "/remind 2026-05-01 09:00 water", want: []string{"/remind", "2026-05-01", "09:00", "water"}},
		{in: `a "b c" d`, want: []string{"a", "b c", "d"}},
		{in: `'single quoted' tail`, want: []string{"single quoted", "tail"}},
		{in: `esc\ aped`, want: []string{"esc aped"}},
		{in: `quote\"inside`, want: []string{`quote"inside`}},
		{in: "tabs\tand\nnewlines", want: []string{"tabs", "and", "newlines"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, tokenize(tt.in)); diff != "" {
				t.Fatalf("tokenize(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestSplitOptions(t *testing.T) {
	t.Parallel()

	pos, opts := splitOptions(
		[]string{"2026-05-01", "09:00", "tz=Europe/Berlin", "repeat=daily", "e=mc2", "note"},
		"tz", "repeat",
	)
	if diff := cmp.Diff([]string{"2026-05-01", "09:00", "e=mc2", "note"}, pos); diff != "" {
		t.Fatalf("positionals mismatch (-want +got):\n%s", diff)
	}
	if opts["tz"] != "Europe/Berlin" || opts["repeat"] != "daily" || len(opts) != 2 {
		t.Fatalf("opts = %v", opts)
	}

	// Keys match case-insensitively.
	_, opts = splitOptions([]string{"TZ=UTC"}, "tz")
	if opts["tz"] != "UTC" {
		t.Fatalf("opts = %v", opts)
	}
}

func TestNewReqIDUnique(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newReqID()
		if seen[id] {
			t.Fatalf("duplicate request id %q", id)
		}
		seen[id] = true
	}
}
