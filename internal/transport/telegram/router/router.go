package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	Namespace string
	Action    string
	Timeout   time.Duration
	Handle    CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string // callback payload (raw string)
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger

	// Respond answers through whichever convention produced this request:
	// a chat message for text commands, a callback answer (with message
	// fallback for long content) for inline-button presses.
	Respond Responder
}

// Responder abstracts the reply path so handlers do not care whether they
// were invoked by a text command or an inline-button callback.
type Responder interface {
	Respond(ctx context.Context, text string, opt *kit.SendOptions) error
}

type messageResponder struct {
	adapter kit.Adapter
	chat    kit.ChatTarget
}

func (r messageResponder) Respond(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.adapter.SendText(ctx, r.chat, text, opt)
	return err
}

type callbackResponder struct {
	adapter    kit.Adapter
	chat       kit.ChatTarget
	callbackID string
}

// callback answers are limited to short toast text; longer responses (and
// anything carrying markup) go to the chat instead.
const callbackTextLimit = 180

func (r callbackResponder) Respond(ctx context.Context, text string, opt *kit.SendOptions) error {
	if len(text) <= callbackTextLimit && !strings.ContainsRune(text, '\n') && (opt == nil || opt.ReplyMarkupAdapter == nil) {
		return r.adapter.AnswerCallback(ctx, r.callbackID, text)
	}
	_, err := r.adapter.SendText(ctx, r.chat, text, opt)
	return err
}

// Router owns the command registry and the bounded worker pool that runs
// handlers off the update stream.
type Router struct {
	mu        sync.RWMutex
	cmds      map[string]Command
	callbacks map[string]map[string]CallbackRoute // namespace -> action -> route

	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:      map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
}

func (m *Router) Register(cmds []Command, cbs []CallbackRoute) {
	reg := map[string]Command{}
	for _, c := range cmds {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		reg[name] = c
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := reg[a]; !exists {
				reg[a] = c
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		ns := strings.TrimSpace(r.Namespace)
		action := strings.TrimSpace(r.Action)
		if ns == "" || action == "" || r.Handle == nil {
			continue
		}
		if cb[ns] == nil {
			cb[ns] = map[string]CallbackRoute{}
		}
		cb[ns][action] = r
	}

	m.mu.Lock()
	m.cmds = reg
	m.callbacks = cb
	m.mu.Unlock()
}

// Commands returns the registered commands, for the /start greeting and the
// bot menu.
func (m *Router) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	out := make([]Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out
}

// DispatchLoop consumes updates until ctx is cancelled or the channel
// closes. Handlers run on a bounded worker pool so a slow handler does not
// stall intake.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					// Middleware already recovers handler panics; this keeps
					// the worker alive if a job slips past it.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.routeMessage(ctx, up)
			case kit.UpdateCallback:
				m.routeCallback(ctx, up)
			}
		}
	}
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being full).
func (m *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	m.mu.RLock()
	cmd, found := m.cmds[word]
	m.mu.RUnlock()
	if !found {
		// Unknown slash commands in groups are usually meant for other bots.
		if !msg.IsGroup {
			chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
			_, _ = m.adapter.SendText(root, chat, "Unknown command. Try /remind_help", nil)
		}
		return
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		Respond: messageResponder{adapter: m.adapter, chat: chat},
	}

	final := chain(
		cmd.Handle,
		withRecover(m.log),
		withRequestLog(m.log),
		withTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "Busy, try again", nil)
	}
}

func (m *Router) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data := strings.TrimSpace(cb.Data)
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return
	}
	ns, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.mu.RLock()
	route, found := m.callbacks[ns][action]
	m.mu.RUnlock()
	if !found {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  cb.FromID,
		Command: "cb:" + ns + ":" + action,
		Payload: payload,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", "cb:"+ns+":"+action),
		),
		Respond: callbackResponder{adapter: m.adapter, chat: chat, callbackID: cb.ID},
	}

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := chain(
		h,
		withRecover(m.log),
		withRequestLog(m.log),
		withTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		_ = final(root, req)
		// best-effort to stop the "loading" spinner
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}
