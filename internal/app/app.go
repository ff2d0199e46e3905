// Package app wires config, logging, storage and the services into one
// daemon lifecycle.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"prospectd/internal/browser"
	"prospectd/internal/config"
	"prospectd/internal/server"
	"prospectd/internal/services/connect"
	"prospectd/internal/services/lock"
	"prospectd/internal/services/maintenance"
	"prospectd/internal/services/scrape"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

// Deps are the automation backends the daemon drives. All may be nil;
// stubs keep everything but actual browser work functional.
type Deps struct {
	Driver    browser.Driver
	Session   browser.SessionChecker
	Extractor scrape.Extractor
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store  *storage.Store
	plock  *lock.ProfileLock
	worker *connect.Service
	runner *scrape.Runner
	maint  *maintenance.Service
	srv    *server.Server

	session browser.SessionChecker

	mu        sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func NewApp(cfgPath string, deps Deps) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	lc, err := mapLockConfig(cfg)
	if err != nil {
		return nil, err
	}
	plock := lock.New(lc, store, logSvc.Logger().With(logx.String("comp", "lock")))

	cc, err := mapConnectConfig(cfg)
	if err != nil {
		return nil, err
	}
	worker := connect.New(cc, store, plock, deps.Driver, deps.Session,
		logSvc.Logger().With(logx.String("comp", "connect")))

	scrapeCfg, err := mapScrapeConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := scrape.New(scrapeCfg, store, plock, deps.Extractor,
		logSvc.Logger().With(logx.String("comp", "scrape")))

	mc, err := mapMaintenanceConfig(cfg, cc)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mc, store, logSvc.Logger().With(logx.String("comp", "maintenance")))

	session := deps.Session
	if session == nil {
		session = browser.NoSession{}
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srvCfg, err := mapServerConfig(cfg)
		if err != nil {
			return nil, err
		}
		srv = server.New(srvCfg, store, worker, runner, session,
			logSvc.Logger().With(logx.String("comp", "server")))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		plock:   plock,
		worker:  worker,
		runner:  runner,
		maint:   maint,
		srv:     srv,
		session: session,
	}, nil
}

// Addr reports the control API address, empty when the server is off.
func (a *App) Addr() string {
	if a.srv == nil {
		return ""
	}
	return a.srv.Addr()
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.runCancel = cancel
	a.runDone = make(chan struct{})
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.maint.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("maintenance: %w", err)
	}
	if a.srv != nil {
		if err := a.srv.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	go a.reloadLoop(runCtx, sub)
	go func() {
		defer close(a.runDone)
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloadable config: logging and the connect
// pacing seeds. Storage, server and browser lock changes need a
// restart; the loop only warns about those.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				switch s {
				case "storage", "server", "browser", "maintenance":
					a.log.Warn("config changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if cc, err := mapConnectConfig(newCfg); err != nil {
				a.log.Warn("invalid connect config; keeping previous", logx.Err(err))
			} else {
				a.worker.Apply(cc)
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.mu.Lock()
	cancel := a.runCancel
	done := a.runDone
	a.runCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.srv != nil {
		step("server", 3*time.Second, a.srv.Stop)
	}
	step("connect", 5*time.Second, func(c context.Context) error {
		_, err := a.worker.Stop(c)
		return err
	})
	step("scrape", 5*time.Second, a.runner.Wait)
	step("maintenance", 2*time.Second, func(c context.Context) error {
		a.maint.Stop(c)
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// validate rejects a bad hot-reload before it is committed.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLockConfig(cfg); err != nil {
		return err
	}
	if _, err := mapConnectConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg, connect.Config{}); err != nil {
		return err
	}
	return nil
}

// logDirFor resolves the directory the maintenance log pruner watches.
func logDirFor(cfg *config.Config) string {
	if !cfg.Logging.File.Enabled || strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return ""
	}
	return filepath.Dir(cfg.Logging.File.Path)
}
