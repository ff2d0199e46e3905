// Package lock provides the exclusive lease over the persistent browser
// profile. Only one actor (connect worker, scrape run, session check)
// may drive the browser at a time; the lease is backed by a SQLite row
// with a heartbeat so a crashed holder never deadlocks the next one.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

// ErrAcquireTimeout reports that the lock stayed held past the caller's
// acquisition bound.
var ErrAcquireTimeout = errors.New("profile lock acquire timed out")

// ErrNotHolder reports a release by an owner that does not hold the lock.
var ErrNotHolder = errors.New("profile lock not held by owner")

// Store is the lease persistence the lock needs.
type Store interface {
	TryClaimLock(ctx context.Context, name, owner string, now, staleBefore time.Time) (storage.ClaimResult, error)
	HeartbeatLock(ctx context.Context, name, owner string, now time.Time) error
	ReleaseLock(ctx context.Context, name, owner string) error
}

// Config tunes the lease.
type Config struct {
	Name      string        // lease row name
	Staleness time.Duration // heartbeat age past which a lease is abandoned
	Heartbeat time.Duration // refresh interval while held
	Retry     time.Duration // poll interval while waiting to acquire
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "browser-profile"
	}
	if c.Staleness <= 0 {
		c.Staleness = 2 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.Heartbeat >= c.Staleness {
		c.Heartbeat = c.Staleness / 4
	}
	if c.Retry <= 0 {
		c.Retry = 100 * time.Millisecond
	}
	return c
}

// ProfileLock is a re-entrant, crash-safe named lock.
type ProfileLock struct {
	cfg   Config
	store Store
	log   logx.Logger

	mu     sync.Mutex
	holder string
	depth  int
	hbStop chan struct{}
	hbDone chan struct{}
}

func New(cfg Config, store Store, log logx.Logger) *ProfileLock {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ProfileLock{cfg: cfg.withDefaults(), store: store, log: log}
}

// Holder returns the owner currently holding the lock, "" when free.
func (l *ProfileLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Acquire blocks until owner holds the lock, the timeout elapses
// (ErrAcquireTimeout), or ctx is canceled. Re-acquisition by the current
// holder succeeds immediately and must be paired with its own Release.
func (l *ProfileLock) Acquire(ctx context.Context, owner string, timeout time.Duration) error {
	if owner == "" {
		return errors.New("lock owner is required")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		ok, err := l.tryAcquire(ctx, owner)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrAcquireTimeout
			}
			return ctx.Err()
		case <-time.After(l.cfg.Retry):
		}
	}
}

func (l *ProfileLock) tryAcquire(ctx context.Context, owner string) (bool, error) {
	l.mu.Lock()
	if l.holder == owner {
		l.depth++
		l.mu.Unlock()
		return true, nil
	}
	if l.holder != "" {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	now := time.Now()
	res, err := l.store.TryClaimLock(ctx, l.cfg.Name, owner, now, now.Add(-l.cfg.Staleness))
	if err != nil {
		return false, err
	}
	if !res.Claimed {
		return false, nil
	}
	if res.Reclaimed {
		l.log.Warn("reclaimed abandoned profile lock",
			logx.String("lock", l.cfg.Name),
			logx.String("owner", owner))
	}

	l.mu.Lock()
	if l.holder == owner {
		// Concurrent acquire by the same owner raced us through the DB.
		l.depth++
		l.mu.Unlock()
		return true, nil
	}
	l.holder = owner
	l.depth = 1
	l.hbStop = make(chan struct{})
	l.hbDone = make(chan struct{})
	go l.heartbeat(owner, l.hbStop, l.hbDone)
	l.mu.Unlock()
	return true, nil
}

// Release drops one level of ownership; the lease row goes away when the
// outermost acquire is released.
func (l *ProfileLock) Release(owner string) error {
	l.mu.Lock()
	if l.holder != owner {
		l.mu.Unlock()
		return ErrNotHolder
	}
	l.depth--
	if l.depth > 0 {
		l.mu.Unlock()
		return nil
	}
	l.holder = ""
	stop, done := l.hbStop, l.hbDone
	l.hbStop, l.hbDone = nil, nil
	l.mu.Unlock()

	close(stop)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.store.ReleaseLock(ctx, l.cfg.Name, owner)
	if errors.Is(err, storage.ErrLockLost) {
		// Someone reclaimed the lease while we stalled past staleness.
		l.log.Warn("profile lock lease was already taken over",
			logx.String("lock", l.cfg.Name),
			logx.String("owner", owner))
		return nil
	}
	return err
}

func (l *ProfileLock) heartbeat(owner string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.store.HeartbeatLock(ctx, l.cfg.Name, owner, time.Now())
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, storage.ErrLockLost) {
				l.log.Error("profile lock lease lost while held",
					logx.String("lock", l.cfg.Name),
					logx.String("owner", owner))
				return
			}
			l.log.Warn("profile lock heartbeat failed",
				logx.String("lock", l.cfg.Name),
				logx.Err(err))
		}
	}
}
