package app

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"remibot/internal/config"
	"remibot/internal/directory"
	"remibot/internal/reminder"
	"remibot/internal/scheduler"
	"remibot/internal/storage"
	kit "remibot/internal/transport"
	telegram "remibot/internal/transport/telegram/adapter"
	"remibot/internal/transport/telegram/router"
	logx "remibot/pkg/logx"
)

const (
	inboxSize       = 256
	stopGraceDelay  = 5 * time.Second
	loadTimeout     = 2 * time.Minute
	persistDeadline = 10 * time.Second
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log    logx.Logger
	logsvc *logx.Service

	tg      *telegram.Adapter
	backend storage.Store
	dir     *directory.Resolver
	rstore  *reminder.Store
	svc     *reminder.Service
	sched   *scheduler.Service
	router  *router.Router

	inbox chan kit.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tg, err := newTelegram(cfg)
	if err != nil {
		return nil, err
	}
	logsvc, log := newLogging(cfg, tg)
	log = log.With(logx.String("comp", "app"))

	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}

	dirCfg, err := mapDirectoryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dir := directory.New(tg, dirCfg, log.With(logx.String("comp", "directory")))

	rstore := reminder.NewStore(backend, log.With(logx.String("comp", "reminders")))
	svc := reminder.NewService(rstore, mapLimits(cfg), log.With(logx.String("comp", "reminders")))

	zones := reminder.NewZones(zonesPath(cfg), log.With(logx.String("comp", "reminders")))
	if err := zones.Load(); err != nil {
		log.Warn("scope timezone load failed; starting empty", logx.Err(err))
	}
	svc.SetZones(zones)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, rstore, tg, dir, dir, log.With(logx.String("comp", "scheduler")))

	rt := router.New(log.With(logx.String("comp", "commands")), tg)
	cmds, cbs := router.ReminderCommands(svc, cfg.Telegram.AdminUserIDs)
	rt.Register(cmds, cbs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logsvc:  logsvc,
		tg:      tg,
		backend: backend,
		dir:     dir,
		rstore:  rstore,
		svc:     svc,
		sched:   sched,
		router:  rt,
		inbox:   make(chan kit.Update, inboxSize),
	}, nil
}

func newTelegram(cfg *config.Config) (*telegram.Adapter, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	early := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	return telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, early)
}

// newLogging bootstraps the log service with chat logging disabled, sets the
// target, then applies the final config. An unconfigured log chat must never
// produce a false warning.
func newLogging(cfg *config.Config, sender kit.Sender) (*logx.Service, logx.Logger) {
	logsvc, log := logx.New(mapLogConfig(cfg, false), sender)
	applyLogTarget(logsvc, cfg)
	logsvc.Apply(mapLogConfig(cfg, cfg.Logging.Telegram.Enabled))
	return logsvc, log
}

func newBackend(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	return backend, nil
}

func applyLogTarget(logsvc *logx.Service, cfg *config.Config) {
	gl := strings.TrimSpace(cfg.Telegram.GroupLog)
	if gl == "" {
		// allow clearing the target via hot reload
		logsvc.SetChatTarget(kit.ChatTarget{})
		return
	}
	if chatID, err := strconv.ParseInt(gl, 10, 64); err == nil {
		logsvc.SetChatTarget(kit.ChatTarget{ChatID: chatID, ThreadID: cfg.Logging.Telegram.ThreadID})
	}
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	if err := a.tg.Start(runCtx, a.inbox); err != nil {
		cancel()
		return err
	}

	// Load persisted reminders, resolving identities and advancing missed
	// recurrences before the first tick.
	loadCtx, loadCancel := context.WithTimeout(runCtx, loadTimeout)
	err := a.rstore.Load(loadCtx, a.dir, time.Now().UTC())
	loadCancel()
	if err != nil {
		a.log.Error("reminder load failed; starting empty", logx.Err(err))
	}

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}

	a.run(func() { _ = a.router.DispatchLoop(runCtx, a.inbox) })

	sub := a.cfgm.Subscribe(8)
	a.run(func() {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	})

	a.run(func() { _ = a.cfgm.Watch(runCtx) })
	a.run(func() { notifyReady(runCtx, a.log) })

	a.log.Info("app started")
	return nil
}

func (a *App) run(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// validateReload rejects hot reloads whose derived configs cannot be built.
func validateReload(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDirectoryConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}

// reloadLoop applies hot config changes: logging, delivery pacing, limits
// and the admin list. Storage changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyReload(last, cfg *config.Config) {
	applyLogTarget(a.logsvc, cfg)
	a.logsvc.Apply(mapLogConfig(cfg, cfg.Logging.Telegram.Enabled))

	if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}
	if dirCfg, err := mapDirectoryConfig(cfg); err != nil {
		a.log.Warn("invalid directory config; keeping previous", logx.Err(err))
	} else {
		a.dir.Apply(dirCfg)
	}
	a.svc.SetLimits(mapLimits(cfg))

	// re-register commands so the admin list takes effect
	cmds, cbs := router.ReminderCommands(a.svc, cfg.Telegram.AdminUserIDs)
	a.router.Register(cmds, cbs)

	if last != nil && (last.Storage != nil) != (cfg.Storage != nil) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	notifyStopping(a.log)

	if a.sched != nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopGraceDelay)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if a.tg != nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopGraceDelay)
		_ = a.tg.Stop(stopCtx)
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	// Final snapshot so nothing scheduled in the last tick is lost.
	persistCtx, cancel := context.WithTimeout(context.Background(), persistDeadline)
	a.rstore.Persist(persistCtx)
	cancel()
	if a.backend != nil {
		_ = a.backend.Close()
	}

	a.log.Info("app stopped")
	_ = a.logsvc.Close()
	return nil
}
