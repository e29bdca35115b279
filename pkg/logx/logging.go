package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "remibot/internal/transport"
)

// ---- Config ----

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig routes warnings to an operator chat through the transport sender.
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

const (
	alertQueueSize   = 256
	alertSendTimeout = 8 * time.Second
	fallbackLogPath  = "./remibot.log"
)

// Field mutates a zerolog event. Fields are applied in order; for duplicate
// keys, later fields win.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err attaches the error when non-nil and is a no-op otherwise.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err == nil {
			return
		}
		e.Err(err)
	}
}

// Logger writes structured events, optionally backed by a Service so it
// keeps following runtime reconfiguration. The zero value discards
// everything. With() derives a child carrying extra fixed fields.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole creates a standalone console logger, useful for bootstrapping
// before the full log service exists.
func NewConsole(level string) Logger {
	setGlobalFormat()
	zl := zerolog.New(consoleSink()).
		Level(levelOrDefault(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.snapshot()
	case l.hasBase:
		return l.base
	default:
		return zerolog.Nop()
	}
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = make([]Field, 0, len(l.fields)+len(fields))
	cp.fields = append(append(cp.fields, l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	lg := l.root()
	e := lg.WithLevel(level)
	if e == nil {
		return
	}
	if at := callSite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}
	applyFields(e, l.fields)
	applyFields(e, fields)
	e.Msg(msg)
}

func applyFields(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

var levelNames = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

func levelOrDefault(s string, def zerolog.Level) zerolog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return def
}

func setGlobalFormat() {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
}

func consoleSink() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // holds zerolog.Logger
	file *os.File

	// alert delivery to the operator chat
	sender   kit.Sender
	alerts   chan alert
	pumpOnce sync.Once
	pumpStop context.CancelFunc
	pumpDone sync.WaitGroup

	// mu also guards these
	target   kit.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type alert struct {
	to   kit.ChatTarget
	text string
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	setGlobalFormat()

	s := &Service{
		cfg:    cfg,
		sender: sender,
		alerts: make(chan alert, alertQueueSize),
	}

	boot := zerolog.New(consoleSink()).
		Level(levelOrDefault(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(boot)

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) snapshot() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetChatTarget sets the operator chat the warn sink delivers to.
func (s *Service) SetChatTarget(t kit.ChatTarget) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f, stop := s.file, s.pumpStop
	s.file, s.pumpStop = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.pumpDone.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = levelOrDefault(cfg.Chat.MinLevel, zerolog.WarnLevel)
	s.limiter = newAlertLimiter(cfg.Chat.RatePerSec)

	sinks := s.rebuildSinks(cfg)
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(levelOrDefault(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func newAlertLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// rebuildSinks closes the previous log file and assembles the writer set for
// the new config. Caller holds s.mu.
func (s *Service) rebuildSinks(cfg Config) []io.Writer {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink())
	}
	if cfg.File.Enabled {
		if f := openLogFile(cfg.File.Path); f != nil {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Chat.Enabled && s.sender != nil {
		s.startAlertPump()
		sinks = append(sinks, &alertSink{svc: s})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink())
	}
	return sinks
}

func openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = fallbackLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func (s *Service) startAlertPump() {
	s.pumpOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.pumpStop = cancel
		s.pumpDone.Add(1)
		go func() {
			defer s.pumpDone.Done()
			s.pumpAlerts(ctx)
		}()
	})
}

// alertSink forwards log lines at or above the configured minimum level to
// the alert queue. Drops when the queue is full; logging must never block the
// caller.
type alertSink struct {
	svc *Service
}

func (w *alertSink) Write(p []byte) (int, error) { return len(p), nil }

func (w *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc

	s.mu.Lock()
	floor, target := s.minLevel, s.target
	s.mu.Unlock()

	if level < floor || target.ChatID == 0 {
		return len(p), nil
	}
	if text := strings.TrimSpace(string(p)); text != "" {
		select {
		case s.alerts <- alert{to: target, text: text}:
		default:
		}
	}
	return len(p), nil
}

func (s *Service) pumpAlerts(ctx context.Context) {
	for {
		var a alert
		select {
		case <-ctx.Done():
			return
		case a = <-s.alerts:
		}

		s.mu.Lock()
		lim := s.limiter
		sender := s.sender
		s.mu.Unlock()

		if sender == nil {
			continue
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
		_, _ = sender.SendText(sctx, a.to, a.text, nil)
		cancel()
	}
}
