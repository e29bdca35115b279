package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"

	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	telegramTextLimit  = 4000
)

// Adapter bridges telebot long polling to the transport-neutral Update
// stream and implements the Sender and Directory surfaces on top of the
// Bot API.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// telebot's Stop must run once: the context watcher and Stop() can
	// both reach it, and a second call blocks on the drained stop channel.
	haltOnce sync.Once
	haltBot  func()

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	a.haltBot = b.Stop
	// Seed atomic.Value so later Store calls keep a stable dynamic type.
	var unset chan<- kit.Update
	a.out.Store(unset)
	a.wireHandlers()
	return a, nil
}

// wireHandlers registers telebot callbacks that convert incoming traffic to
// kit updates and forward them to whichever channel Start installed.
func (a *Adapter) wireHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(kit.Update{Kind: kit.UpdateMessage, Message: messageFromTele(m)})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb, m := c.Callback(), c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.forward(kit.Update{Kind: kit.UpdateCallback, Callback: callbackFromTele(cb, m)})
		return nil
	})
}

func messageFromTele(m *tele.Message) *kit.Message {
	return &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
		Mentions:     extractMentions(m),
	}
}

func callbackFromTele(cb *tele.Callback, m *tele.Message) *kit.Callback {
	return &kit.Callback{
		ID:        cb.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		FromID:    cb.Sender.ID,
		MessageID: m.ID,
		Data:      cb.Data,
	}
}

// extractMentions pulls user references out of message entities. Entity
// offsets are UTF-16 code units, so the text is re-encoded before slicing.
func extractMentions(m *tele.Message) []kit.Mention {
	if len(m.Entities) == 0 {
		return nil
	}
	var (
		out []kit.Mention
		u16 []uint16
	)
	for _, e := range m.Entities {
		switch e.Type {
		case tele.EntityTMention:
			if e.User != nil {
				out = append(out, kit.Mention{UserID: e.User.ID, Username: e.User.Username})
			}
		case tele.EntityMention:
			if u16 == nil {
				u16 = utf16.Encode([]rune(m.Text))
			}
			if e.Offset < 0 || e.Offset+e.Length > len(u16) {
				continue
			}
			name := string(utf16.Decode(u16[e.Offset : e.Offset+e.Length]))
			out = append(out, kit.Mention{Username: strings.TrimPrefix(name, "@")})
		}
	}
	return out
}

func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) flushDropCount(chanCap int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)",
			logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.stopCh = make(chan struct{})
	stop := a.stopCh
	a.runMu.Unlock()

	a.spawn(func() { a.reportDrops(ctx, stop, cap(out)) })

	// Stop telebot when the adapter context is cancelled.
	a.spawn(func() {
		select {
		case <-ctx.Done():
			a.stopBot()
		case <-stop:
		}
	})

	a.spawn(func() {
		a.log.Info("polling started")
		// Start blocks until Stop() is called.
		a.bot.Start()
		a.log.Info("polling stopped")
	})

	return nil
}

func (a *Adapter) stopBot() {
	a.haltOnce.Do(func() {
		if a.haltBot != nil {
			a.haltBot()
		}
	})
}

func (a *Adapter) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// reportDrops periodically summarizes dropped updates instead of logging
// each one.
func (a *Adapter) reportDrops(ctx context.Context, stop <-chan struct{}, chanCap int) {
	ticker := time.NewTicker(dropReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			a.flushDropCount(chanCap)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flushDropCount(chanCap)
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning, stop := a.running, a.stopCh
	a.running, a.stopCh = false, nil
	var unset chan<- kit.Update
	a.out.Store(unset)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))

	close(stop)
	// telebot Stop is expected to be fast; run it async just in case.
	go a.stopBot()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Never block shutdown on a lingering long-poll.
		a.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
		return nil
	}
}

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries and (best-effort) avoiding splits
// inside HTML tags when ParseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := cutPoint(rs, start, limit, html)
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// cutPoint picks where the chunk beginning at start should end.
func cutPoint(rs []rune, start, limit int, html bool) int {
	end := start + limit
	if end >= len(rs) {
		return len(rs)
	}

	// A newline in the back two thirds of the window beats a hard cut.
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= limit/3 {
			end = i + 1
			break
		}
	}

	// When rendering HTML, back up to the last '<' if the window ends
	// mid-tag.
	if html && end < len(rs) {
		lastOpen, lastClose := -1, -1
		for i := start; i < end; i++ {
			switch rs[i] {
			case '<':
				lastOpen = i
			case '>':
				lastClose = i
			}
		}
		if lastOpen > lastClose && lastOpen > start+1 {
			end = lastOpen
		}
	}
	return end
}

// ctxDone reports the context error without blocking, treating nil as
// background.
func ctxDone(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctxDone(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, a.sendOptions(to, opt, i == 0))
		if err != nil {
			return first, classifyErr(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions, firstChunk bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	// Markup belongs to the first message only.
	if firstChunk && opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	}
	return so
}

func (a *Adapter) ResolveUser(ctx context.Context, id int64) (kit.User, error) {
	if err := ctxDone(ctx); err != nil {
		return kit.User{}, err
	}
	// The Bot API has no standalone user lookup; a private chat with a user
	// shares the user's id and carries the profile fields we need.
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return kit.User{}, classifyErr(err)
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	return kit.User{ID: chat.ID, Username: chat.Username, DisplayName: name}, nil
}

func (a *Adapter) ResolveChannel(ctx context.Context, id int64) (kit.Channel, error) {
	if err := ctxDone(ctx); err != nil {
		return kit.Channel{}, err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return kit.Channel{}, classifyErr(err)
	}
	title := chat.Title
	if title == "" {
		title = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return kit.Channel{ID: chat.ID, Title: title}, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	if err := a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}); err != nil {
		return classifyErr(err)
	}
	return nil
}

// classifyErr maps telebot errors onto the transport error taxonomy so
// callers can make retry decisions without knowing about the Bot API.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	var apiErr *tele.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == 403:
		return fmt.Errorf("%w: %s", kit.ErrForbidden, apiErr.Description)
	case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Description), "not found"):
		return fmt.Errorf("%w: %s", kit.ErrNotFound, apiErr.Description)
	default:
		return err
	}
}
