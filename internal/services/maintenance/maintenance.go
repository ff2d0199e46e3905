// Package maintenance runs the scheduled housekeeping jobs: failing
// queue claims abandoned by a dead worker, reaping stale profile lock
// leases, and pruning old log files.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

// Config tunes the schedules and windows.
type Config struct {
	Enabled            bool
	SweepSchedule      string // cron spec for the claim/lock sweep
	LogCleanupSchedule string // cron spec for log pruning
	ClaimStaleness     time.Duration
	LockStaleness      time.Duration
	LogDir             string
	LogRetention       time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 5m"
	}
	if c.LogCleanupSchedule == "" {
		c.LogCleanupSchedule = "0 3 * * *"
	}
	if c.ClaimStaleness <= 0 {
		c.ClaimStaleness = 10 * time.Minute
	}
	if c.LockStaleness <= 0 {
		c.LockStaleness = 2 * time.Minute
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 14 * 24 * time.Hour
	}
	return c
}

// Service schedules the housekeeping jobs.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	store *storage.Store
	c     *cron.Cron
}

func New(cfg Config, store *storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, store: store}
}

// Start registers and starts the cron jobs, running each once up front
// so a restart cleans up immediately instead of waiting a full period.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.c != nil {
		s.mu.Unlock()
		return nil
	}
	c := cron.New()
	s.c = c
	s.mu.Unlock()

	if _, err := c.AddFunc(cfg.SweepSchedule, s.sweep); err != nil {
		return err
	}
	if _, err := c.AddFunc(cfg.LogCleanupSchedule, s.cleanLogs); err != nil {
		return err
	}

	s.sweep()
	s.cleanLogs()
	c.Start()
	s.log.Info("maintenance started",
		logx.String("sweep", cfg.SweepSchedule),
		logx.String("log_cleanup", cfg.LogCleanupSchedule))
	return nil
}

// Stop halts the schedules and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// sweep fails abandoned queue claims and reaps dead lock leases.
func (s *Service) sweep() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	if n, err := s.store.SweepStaleClaims(ctx, now.Add(-cfg.ClaimStaleness)); err != nil {
		s.log.Warn("stale claim sweep failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("failed interrupted queue claims", logx.Int("count", n))
	}

	if n, err := s.store.ReapStaleLocks(ctx, now.Add(-cfg.LockStaleness)); err != nil {
		s.log.Warn("stale lock reap failed", logx.Err(err))
	} else if n > 0 {
		s.log.Warn("reaped abandoned lock leases", logx.Int("count", n))
	}
}

// cleanLogs removes log files in LogDir untouched for longer than the
// retention window. The active file keeps a fresh mtime, so it is never
// a candidate.
func (s *Service) cleanLogs() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.LogDir == "" {
		return
	}

	removed, err := CleanLogDir(cfg.LogDir, time.Now().Add(-cfg.LogRetention))
	if err != nil {
		s.log.Warn("log cleanup failed", logx.Err(err))
		return
	}
	if removed > 0 {
		s.log.Info("pruned old log files",
			logx.Int("count", removed),
			logx.String("dir", cfg.LogDir))
	}
}

// CleanLogDir deletes *.log files under dir whose mtime predates cutoff.
// Returns how many files were removed.
func CleanLogDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
