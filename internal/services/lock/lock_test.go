package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

func newTestLock(t *testing.T, cfg Config) (*ProfileLock, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "lock.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(cfg, st, logx.Nop()), st
}

func TestAcquireRelease(t *testing.T) {
	l, st := newTestLock(t, Config{})
	ctx := context.Background()

	if err := l.Acquire(ctx, "worker-1", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := l.Holder(); got != "worker-1" {
		t.Fatalf("Holder = %q", got)
	}
	lease, err := st.GetLock(ctx, "browser-profile")
	if err != nil || lease == nil || lease.Owner != "worker-1" {
		t.Fatalf("lease = %+v err=%v", lease, err)
	}

	if err := l.Release("worker-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := l.Holder(); got != "" {
		t.Fatalf("Holder after release = %q", got)
	}
	lease, err = st.GetLock(ctx, "browser-profile")
	if err != nil || lease != nil {
		t.Fatalf("lease after release = %+v err=%v", lease, err)
	}
}

func TestMutualExclusion(t *testing.T) {
	l, _ := newTestLock(t, Config{Retry: 10 * time.Millisecond})
	ctx := context.Background()

	if err := l.Acquire(ctx, "scraper", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Second owner is bounded, never blocks forever.
	start := time.Now()
	err := l.Acquire(ctx, "worker", 100*time.Millisecond)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("contended Acquire err = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("contended Acquire took %v", time.Since(start))
	}

	// Once released, the waiter gets in.
	got := make(chan error, 1)
	go func() { got <- l.Acquire(ctx, "worker", 2*time.Second) }()
	time.Sleep(30 * time.Millisecond)
	if err := l.Release("scraper"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-got; err != nil {
		t.Fatalf("waiter Acquire: %v", err)
	}
	if l.Holder() != "worker" {
		t.Fatalf("Holder = %q", l.Holder())
	}
	if err := l.Release("worker"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReentrantAcquire(t *testing.T) {
	l, st := newTestLock(t, Config{})
	ctx := context.Background()

	if err := l.Acquire(ctx, "runner", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Same owner re-enters without blocking.
	if err := l.Acquire(ctx, "runner", 50*time.Millisecond); err != nil {
		t.Fatalf("re-entrant Acquire: %v", err)
	}

	if err := l.Release("runner"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.Holder() != "runner" {
		t.Fatalf("lock released before outermost Release")
	}
	if err := l.Release("runner"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.Holder() != "" {
		t.Fatalf("Holder = %q", l.Holder())
	}
	if lease, _ := st.GetLock(ctx, "browser-profile"); lease != nil {
		t.Fatalf("lease survived outermost release: %+v", lease)
	}
}

func TestReleaseByNonHolder(t *testing.T) {
	l, _ := newTestLock(t, Config{})
	ctx := context.Background()

	if err := l.Release("nobody"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release err = %v", err)
	}
	if err := l.Acquire(ctx, "holder", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release("intruder"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release by non-holder err = %v", err)
	}
	if err := l.Release("holder"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestStaleLeaseReclaim(t *testing.T) {
	l, st := newTestLock(t, Config{Staleness: time.Minute, Retry: 10 * time.Millisecond})
	ctx := context.Background()

	// A previous process died holding the lease an hour ago.
	dead := time.Now().Add(-time.Hour)
	if res, err := st.TryClaimLock(ctx, "browser-profile", "dead-owner", dead, dead.Add(-time.Minute)); err != nil || !res.Claimed {
		t.Fatalf("seed dead lease: %+v err=%v", res, err)
	}

	if err := l.Acquire(ctx, "fresh-owner", time.Second); err != nil {
		t.Fatalf("Acquire over stale lease: %v", err)
	}
	lease, err := st.GetLock(ctx, "browser-profile")
	if err != nil || lease == nil || lease.Owner != "fresh-owner" {
		t.Fatalf("lease = %+v err=%v", lease, err)
	}
	if err := l.Release("fresh-owner"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestHeartbeatKeepsLeaseFresh(t *testing.T) {
	l, st := newTestLock(t, Config{Heartbeat: 20 * time.Millisecond, Staleness: time.Minute})
	ctx := context.Background()

	if err := l.Acquire(ctx, "worker", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before, err := st.GetLock(ctx, "browser-profile")
	if err != nil || before == nil {
		t.Fatalf("lease: %+v err=%v", before, err)
	}

	time.Sleep(80 * time.Millisecond)
	after, err := st.GetLock(ctx, "browser-profile")
	if err != nil || after == nil {
		t.Fatalf("lease: %+v err=%v", after, err)
	}
	if !after.HeartbeatAt.After(before.HeartbeatAt) {
		t.Fatalf("heartbeat not refreshed: before=%v after=%v", before.HeartbeatAt, after.HeartbeatAt)
	}
	if err := l.Release("worker"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
