package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polisbot/internal/alert"
	"polisbot/internal/collect"
	"polisbot/internal/config"
	"polisbot/internal/health"
	"polisbot/internal/registry"
	"polisbot/internal/sched"
	"polisbot/internal/storage"
	"polisbot/internal/transport"
	"polisbot/internal/transport/telegram"
	"polisbot/pkg/logx"
)

const updateQueueCap = 128

// App owns the full wiring: config, logging, storage, transport,
// collectors, alert pipeline, daily trigger, health endpoint, and the
// dispatcher. Startup failures are fatal; the caller exits.
type App struct {
	cfgm   *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      registry.Store
	adapter    *telegram.Adapter
	collectors *collect.Service
	pipeline   *alert.Pipeline
	scheduler  *sched.Service
	healthSrv  *health.Server
	router     *Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp loads config and constructs every component. It does not start
// any goroutines; call Start.
func NewApp(configPath string) (*App, error) {
	cfgm := config.NewManager(configPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetSender(adapter)

	collectors := collect.New(adapter, log)
	pipeline := alert.New(store, adapter, alert.Config{
		ChannelID: cfg.Alert.ChannelID,
		Mention:   cfg.Alert.Mention,
		PageSize:  cfg.Alert.PageSize,
		Location:  loc,
	}, log)

	handlers := &Handlers{
		Store:      store,
		Pipeline:   pipeline,
		Collectors: collectors,
		Cfg:        cfgm.Current,
		Log:        log,
	}

	router := NewRouter(adapter, collectors, log)
	router.Use(MWPanicRecover(log), MWRequestLog(log))
	router.SetCommands(handlers.Commands())
	router.HandleCallback(SuggestScope, handlers.HandleSuggest)
	router.SetMembers(cfg.RoleMembers())
	router.SetGroupScope(cfg.Telegram.GroupID)

	scheduler := sched.New(loc, log)
	if cfg.Alert.Time != "" {
		if err := scheduler.AddDaily("expiry-alert", cfg.Alert.Time, pipeline.RunScheduled); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	return &App{
		cfgm:       cfgm,
		logSvc:     logSvc,
		log:        log,
		store:      store,
		adapter:    adapter,
		collectors: collectors,
		pipeline:   pipeline,
		scheduler:  scheduler,
		healthSrv:  health.New(log, loc),
		router:     router,
	}, nil
}

// Start brings up the transport, dispatcher, schedule, health endpoint,
// and config watch.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	updates := make(chan transport.Update, updateQueueCap)
	if err := a.adapter.Start(runCtx, updates); err != nil {
		cancel()
		return fmt.Errorf("start telegram: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.router.DispatchLoop(runCtx, updates)
	}()

	a.scheduler.Start(runCtx)

	cfg := a.cfgm.Current()
	a.healthSrv.Apply(runCtx, health.Config{Enabled: cfg.Health.Enabled, Addr: cfg.Health.Addr})

	if err := a.adapter.UpdateMenuCommands(runCtx, a.router.MenuCommands()); err != nil {
		a.log.Warn("menu update failed", logx.Err(err))
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sub := a.cfgm.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case next := <-sub:
				a.applyReload(runCtx, next)
			}
		}
	}()

	a.log.Info("polisbot started")
	return nil
}

// applyReload picks up the hot-reloadable parts of a committed config:
// logging sinks, role membership, group scope, and the health endpoint.
// Token, storage path, timezone, and the alert schedule need a restart.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	a.router.SetMembers(cfg.RoleMembers())
	a.router.SetGroupScope(cfg.Telegram.GroupID)
	a.healthSrv.Apply(ctx, health.Config{Enabled: cfg.Health.Enabled, Addr: cfg.Health.Addr})
	a.log.Info("configuration changes applied")
}

// Stop shuts everything down. In-flight collectors and deliveries are
// abandoned, not drained; the store and transport close cleanly.
func (a *App) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a.scheduler.Stop(stopCtx)
	a.collectors.Close()
	a.healthSrv.Stop(stopCtx)
	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("telegram stop", logx.Err(err))
	}

	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	_ = a.logSvc.Close()
}
