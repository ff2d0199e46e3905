// Package connect runs the background worker that drains the connect
// queue: claim the oldest pending request, take the browser profile
// lock, drive one invite attempt, record the outcome, sleep a jittered
// pacing delay.
package connect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"prospectd/internal/browser"
	"prospectd/internal/services/lock"
	"prospectd/internal/services/pacing"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

// ErrDailyLimitConfig reports a non-positive configured daily limit;
// the worker refuses to start rather than run uncapped.
var ErrDailyLimitConfig = errors.New("connect daily_limit must be at least 1")

// Config tunes the worker loop. Defaults seed the pacing settings until
// an operator stores their own via the API.
type Config struct {
	Defaults       pacing.Settings
	PollInterval   time.Duration // sleep when the queue is empty
	ClaimStaleness time.Duration // claim age treated as a dead worker
	LockTimeout    time.Duration // bound on profile lock acquisition
}

func (c Config) withDefaults() Config {
	if c.Defaults == (pacing.Settings{}) {
		c.Defaults = pacing.Defaults()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ClaimStaleness <= 0 {
		c.ClaimStaleness = 10 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	return c
}

// WorkerState is the status snapshot every control call returns.
type WorkerState struct {
	Running    bool       `json:"running"`
	Paused     bool       `json:"paused"`
	LastSent   *time.Time `json:"last_sent"`
	SendsToday int        `json:"sends_today"`
	DailyLimit int        `json:"daily_limit"`
	Pending    int        `json:"pending"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
}

// Service is the connect worker.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store   *storage.Store
	lock    *lock.ProfileLock
	policy  *pacing.Policy
	driver  browser.Driver
	session browser.SessionChecker

	// Hard floor on send spacing. Jittered sleeps can be cut short by
	// a nudge; this cannot.
	limiter *rate.Limiter

	owner    string
	running  bool
	paused   bool
	lastSent *time.Time

	stopCh   chan struct{}
	stopDone chan struct{}
	wakeCh   chan struct{}
}

func New(cfg Config, store *storage.Store, pl *lock.ProfileLock, driver browser.Driver, session browser.SessionChecker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if driver == nil {
		driver = browser.NoDriver{}
	}
	if session == nil {
		session = browser.NoSession{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		store:   store,
		lock:    pl,
		policy:  pacing.New(),
		driver:  driver,
		session: session,
		limiter: rate.NewLimiter(rate.Every(cfg.Defaults.Normalize().MinDelay()), 1),
		owner:   "connect-worker-" + uuid.NewString(),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Apply swaps the file-level defaults on config reload. Stored settings
// still win; only the seed changes.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.Nudge()
}

// Start transitions stopped -> running. Idempotent: starting a running
// worker just returns the current state. A non-positive configured
// daily limit is the one error surfaced synchronously.
func (s *Service) Start(ctx context.Context) (WorkerState, error) {
	s.mu.Lock()
	if s.cfg.Defaults.DailyLimit <= 0 {
		s.mu.Unlock()
		st, _ := s.Status(ctx)
		return st, ErrDailyLimitConfig
	}
	if s.running {
		s.mu.Unlock()
		return s.Status(ctx)
	}
	// A previous Stop may still be draining.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			st, _ := s.Status(ctx)
			return st, ctx.Err()
		}
		s.mu.Lock()
	}
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh, stopDone := s.stopCh, s.stopDone
	s.mu.Unlock()

	go s.run(stopCh, stopDone)
	s.log.Info("connect worker started")
	return s.Status(ctx)
}

// Stop transitions to stopped at the loop's next safe point (never
// mid-attempt) and waits for it, bounded by ctx. Idempotent.
func (s *Service) Stop(ctx context.Context) (WorkerState, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.Status(ctx)
	}
	s.running = false
	close(s.stopCh)
	s.stopCh = nil
	done := s.stopDone
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
	case <-ctx.Done():
	}
	s.log.Info("connect worker stopped")
	return s.Status(ctx)
}

// Pause keeps the loop alive but stops new attempts. An attempt already
// in progress finishes. Idempotent.
func (s *Service) Pause(ctx context.Context) (WorkerState, error) {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("connect worker paused")
	return s.Status(ctx)
}

// Resume clears a pause and wakes the loop. Idempotent.
func (s *Service) Resume(ctx context.Context) (WorkerState, error) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.Nudge()
	s.log.Info("connect worker resumed")
	return s.Status(ctx)
}

// Nudge wakes the loop from a pacing sleep so queue changes are picked
// up immediately.
func (s *Service) Nudge() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Status assembles the worker snapshot from live state and the queue.
func (s *Service) Status(ctx context.Context) (WorkerState, error) {
	s.mu.Lock()
	st := WorkerState{
		Running:  s.running,
		Paused:   s.paused,
		LastSent: s.lastSent,
	}
	s.mu.Unlock()

	settings, err := s.Settings(ctx)
	if err != nil {
		return st, err
	}
	st.DailyLimit = settings.DailyLimit

	stats, err := s.store.QueueStats(ctx)
	if err != nil {
		return st, err
	}
	st.Pending, st.Sent, st.Failed = stats.Pending, stats.Sent, stats.Failed

	st.SendsToday, err = s.store.SentCountForLocalDay(ctx, time.Now())
	return st, err
}

// Settings returns the effective pacing settings: stored values overlay
// the configured defaults, then clamps apply.
func (s *Service) Settings(ctx context.Context) (pacing.Settings, error) {
	s.mu.Lock()
	eff := s.cfg.Defaults
	s.mu.Unlock()
	if _, err := s.store.GetJSONSetting(ctx, pacing.SettingsKey, &eff); err != nil {
		return pacing.Settings{}, err
	}
	return eff.Normalize(), nil
}

// UpdateSettings normalizes and persists new pacing settings, then wakes
// the loop so they take effect now rather than after the current sleep.
func (s *Service) UpdateSettings(ctx context.Context, in pacing.Settings) (pacing.Settings, error) {
	n := in.Normalize()
	if err := s.store.PutJSONSetting(ctx, pacing.SettingsKey, n); err != nil {
		return pacing.Settings{}, err
	}
	s.Nudge()
	s.log.Info("connect settings updated",
		logx.Int("daily_limit", n.DailyLimit),
		logx.Duration("min_delay", n.MinDelay()),
		logx.Duration("max_delay", n.MaxDelay()),
		logx.Bool("business_hours_only", n.BusinessHoursOnly))
	return n, nil
}
