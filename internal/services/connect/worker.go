package connect

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"prospectd/internal/browser"
	"prospectd/internal/services/lock"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

const (
	pausedSleep         = 5 * time.Second
	sessionExpiredSleep = time.Minute
	errorSleep          = time.Minute
)

func (s *Service) run(stopCh <-chan struct{}, stopDone chan<- struct{}) {
	defer close(stopDone)
	ctx := context.Background()

	// Claims left behind by a dead worker become failed before the
	// first new claim, so nothing stays invisible.
	s.sweepInterrupted(ctx)

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		sleep := s.iterate(ctx)
		if !s.sleepWithWake(stopCh, sleep) {
			return
		}
	}
}

// sleepWithWake sleeps for d unless a nudge or stop arrives first.
// Returns false when the loop should exit.
func (s *Service) sleepWithWake(stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-s.wakeCh:
		return true
	case <-t.C:
		return true
	}
}

func (s *Service) sweepInterrupted(ctx context.Context) {
	s.mu.Lock()
	staleness := s.cfg.ClaimStaleness
	s.mu.Unlock()
	n, err := s.store.SweepStaleClaims(ctx, time.Now().Add(-staleness))
	if err != nil {
		s.log.Warn("stale claim sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Warn("failed interrupted claims from previous run", logx.Int("count", n))
	}
}

// iterate performs at most one send attempt and returns how long the
// loop should sleep before the next one. It never panics outward; an
// unexpected panic is logged and the loop keeps its availability.
func (s *Service) iterate(ctx context.Context) (sleep time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connect worker iteration panic",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			sleep = errorSleep
		}
	}()

	s.mu.Lock()
	paused := s.paused
	cfg := s.cfg
	s.mu.Unlock()
	if paused {
		return pausedSleep
	}

	settings, err := s.Settings(ctx)
	if err != nil {
		s.log.Warn("loading connect settings failed", logx.Err(err))
		return errorSleep
	}
	s.limiter.SetLimit(rate.Every(settings.MinDelay()))

	now := time.Now()
	sentToday, err := s.store.SentCountForLocalDay(ctx, now)
	if err != nil {
		s.log.Warn("counting today's sends failed", logx.Err(err))
		return errorSleep
	}
	dec := s.policy.Evaluate(settings, sentToday, now)
	if !dec.Allowed {
		s.log.Debug("send refused by pacing",
			logx.String("reason", string(dec.Reason)),
			logx.Int("sent_today", sentToday),
			logx.Int("daily_limit", settings.DailyLimit))
		return dec.RetryIn
	}

	token := uuid.NewString()
	item, err := s.store.ClaimNext(ctx, token, now)
	if err != nil {
		s.log.Warn("claiming next queue item failed", logx.Err(err))
		return errorSleep
	}
	if item == nil {
		return cfg.PollInterval
	}

	// Hard spacing floor. A nudge can cut the jittered sleep short,
	// this wait cannot be.
	if err := s.limiter.Wait(ctx); err != nil {
		s.unclaim(ctx, item.ID, token)
		return 0
	}

	if st := s.session.Check(ctx); st == browser.SessionExpired {
		s.unclaim(ctx, item.ID, token)
		s.log.Warn("session expired, refusing to drive browser")
		return sessionExpiredSleep
	}

	if err := s.lock.Acquire(ctx, s.owner, cfg.LockTimeout); err != nil {
		s.unclaim(ctx, item.ID, token)
		if errors.Is(err, lock.ErrAcquireTimeout) {
			// Contention with a scrape run; not a failure.
			s.log.Info("profile lock busy, retrying later",
				logx.String("holder", s.lock.Holder()))
			return cfg.PollInterval
		}
		s.log.Warn("profile lock acquire failed", logx.Err(err))
		return errorSleep
	}

	s.attempt(ctx, item, token)

	// Jittered wait applies regardless of how the attempt went.
	return s.policy.NextDelay(settings)
}

// attempt drives one invite with the lock held and records the result.
// The lock is released no matter how the attempt ends.
func (s *Service) attempt(ctx context.Context, item *storage.QueueItem, token string) browser.Outcome {
	defer func() {
		if err := s.lock.Release(s.owner); err != nil {
			s.log.Warn("profile lock release failed", logx.Err(err))
		}
	}()

	s.log.Info("sending connect request",
		logx.Int64("queue_id", item.ID),
		logx.String("name", item.FullName),
		logx.String("url", item.LinkedInURL))

	outcome, sendErr := browser.SendConnect(ctx, s.driver, item.LinkedInURL, item.Note)

	if outcome.Succeeded() {
		now := time.Now()
		if err := s.store.MarkSent(ctx, item.ID, token, now); err != nil {
			s.log.Warn("marking item sent failed", logx.Int64("queue_id", item.ID), logx.Err(err))
			return outcome
		}
		s.mu.Lock()
		s.lastSent = &now
		s.mu.Unlock()
		s.log.Info("connect request sent",
			logx.Int64("queue_id", item.ID),
			logx.String("name", item.FullName),
			logx.String("outcome", string(outcome)))
		return outcome
	}

	reason := outcome.FailureReason()
	if sendErr != nil {
		reason = sendErr.Error()
	}
	if err := s.store.MarkFailed(ctx, item.ID, token, reason); err != nil {
		s.log.Warn("marking item failed failed", logx.Int64("queue_id", item.ID), logx.Err(err))
		return outcome
	}
	s.log.Warn("connect request failed",
		logx.Int64("queue_id", item.ID),
		logx.String("name", item.FullName),
		logx.String("outcome", string(outcome)),
		logx.String("reason", reason))
	return outcome
}

func (s *Service) unclaim(ctx context.Context, id int64, token string) {
	if err := s.store.Unclaim(ctx, id, token); err != nil {
		s.log.Warn("unclaiming queue item failed", logx.Int64("queue_id", id), logx.Err(err))
	}
}
