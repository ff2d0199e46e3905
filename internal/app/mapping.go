package app

import (
	"fmt"
	"time"

	"prospectd/internal/config"
	"prospectd/internal/server"
	"prospectd/internal/services/connect"
	"prospectd/internal/services/lock"
	"prospectd/internal/services/maintenance"
	"prospectd/internal/services/pacing"
	"prospectd/internal/services/scrape"
	"prospectd/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapLockConfig(cfg *config.Config) (lock.Config, error) {
	staleness, err := config.ParseDurationOrDefault("browser.lock_staleness", cfg.Browser.LockStaleness, 2*time.Minute)
	if err != nil {
		return lock.Config{}, err
	}
	heartbeat, err := config.ParseDurationOrDefault("browser.lock_heartbeat", cfg.Browser.LockHeartbeat, 15*time.Second)
	if err != nil {
		return lock.Config{}, err
	}
	return lock.Config{
		Staleness: staleness,
		Heartbeat: heartbeat,
	}, nil
}

func mapConnectConfig(cfg *config.Config) (connect.Config, error) {
	if cfg.Connect.DailyLimit < 0 {
		return connect.Config{}, fmt.Errorf("connect.daily_limit must be positive, got %d", cfg.Connect.DailyLimit)
	}
	minDelay, err := config.ParseDurationOrDefault("connect.min_delay", cfg.Connect.MinDelay, 90*time.Second)
	if err != nil {
		return connect.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("connect.max_delay", cfg.Connect.MaxDelay, 300*time.Second)
	if err != nil {
		return connect.Config{}, err
	}
	poll, err := config.ParseDurationOrDefault("connect.poll_interval", cfg.Connect.PollInterval, 30*time.Second)
	if err != nil {
		return connect.Config{}, err
	}
	claimStale, err := config.ParseDurationOrDefault("connect.claim_staleness", cfg.Connect.ClaimStaleness, 10*time.Minute)
	if err != nil {
		return connect.Config{}, err
	}
	lockTimeout, err := config.ParseDurationOrDefault("browser.acquire_timeout", cfg.Browser.AcquireTimeout, 30*time.Second)
	if err != nil {
		return connect.Config{}, err
	}

	defaults := pacing.Defaults()
	if cfg.Connect.DailyLimit > 0 {
		defaults.DailyLimit = cfg.Connect.DailyLimit
	}
	defaults.MinDelaySeconds = minDelay.Seconds()
	defaults.MaxDelaySeconds = maxDelay.Seconds()
	defaults.BusinessHoursOnly = cfg.Connect.BusinessHoursOnly
	if cfg.Connect.BizStartHour > 0 {
		defaults.BizStartHour = cfg.Connect.BizStartHour
	}
	if cfg.Connect.BizEndHour > 0 {
		defaults.BizEndHour = cfg.Connect.BizEndHour
	}

	return connect.Config{
		Defaults:       defaults.Normalize(),
		PollInterval:   poll,
		ClaimStaleness: claimStale,
		LockTimeout:    lockTimeout,
	}, nil
}

func mapScrapeConfig(cfg *config.Config) (scrape.Config, error) {
	lockTimeout, err := config.ParseDurationOrDefault("browser.acquire_timeout", cfg.Browser.AcquireTimeout, 2*time.Minute)
	if err != nil {
		return scrape.Config{}, err
	}
	return scrape.Config{LockTimeout: lockTimeout}, nil
}

func mapMaintenanceConfig(cfg *config.Config, cc connect.Config) (maintenance.Config, error) {
	lc, err := mapLockConfig(cfg)
	if err != nil {
		return maintenance.Config{}, err
	}
	retention := 14
	if cfg.Logging.RetentionDays > 0 {
		retention = cfg.Logging.RetentionDays
	}
	return maintenance.Config{
		Enabled:            cfg.MaintenanceEnabled(),
		SweepSchedule:      cfg.Maintenance.SweepSchedule,
		LogCleanupSchedule: cfg.Maintenance.LogCleanupSchedule,
		ClaimStaleness:     cc.ClaimStaleness,
		LockStaleness:      lc.Staleness,
		LogDir:             logDirFor(cfg),
		LogRetention:       time.Duration(retention) * 24 * time.Hour,
	}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
		Pprof:        cfg.Server.Pprof,
	}, nil
}
