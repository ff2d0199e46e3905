package connect

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"prospectd/internal/browser"
	"prospectd/internal/leads"
	"prospectd/internal/services/lock"
	"prospectd/internal/services/pacing"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

type fakeDriver struct {
	state     browser.PageState
	findErr   error
	submitErr error
	verified  bool

	sends int
}

func (d *fakeDriver) Navigate(context.Context, string) error { return nil }
func (d *fakeDriver) State(context.Context) (browser.PageState, error) {
	return d.state, nil
}
func (d *fakeDriver) FindConnectAction(context.Context) error { return d.findErr }
func (d *fakeDriver) SubmitInvite(context.Context, string) error {
	d.sends++
	return d.submitErr
}
func (d *fakeDriver) VerifySent(context.Context) (bool, error) { return d.verified, nil }

type fakeSession struct{ status browser.SessionStatus }

func (f fakeSession) Check(context.Context) browser.SessionStatus { return f.status }

type env struct {
	svc   *Service
	store *storage.Store
	lock  *lock.ProfileLock
}

func newEnv(t *testing.T, driver browser.Driver, session browser.SessionChecker) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "connect.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pl := lock.New(lock.Config{Retry: 10 * time.Millisecond}, st, logx.Nop())
	svc := New(Config{
		PollInterval:   30 * time.Second,
		ClaimStaleness: 10 * time.Minute,
		LockTimeout:    50 * time.Millisecond,
	}, st, pl, driver, session, logx.Nop())
	return &env{svc: svc, store: st, lock: pl}
}

func (e *env) enqueue(t *testing.T, name, url string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := e.store.UpsertLead(ctx, leads.Lead{FullName: name, LinkedInURL: url})
	if err != nil {
		t.Fatalf("UpsertLead: %v", err)
	}
	res, err := e.store.EnqueueLeads(ctx, []int64{id}, "")
	if err != nil {
		t.Fatalf("EnqueueLeads: %v", err)
	}
	if res.Added() != 1 {
		t.Fatalf("enqueue = %+v", res)
	}
	items, err := e.store.ListQueue(ctx, "", 100)
	if err != nil || len(items) == 0 {
		t.Fatalf("ListQueue: %v items=%d", err, len(items))
	}
	return items[len(items)-1].ID
}

func (e *env) putSettings(t *testing.T, s pacing.Settings) {
	t.Helper()
	if _, err := e.svc.UpdateSettings(context.Background(), s); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
}

func (e *env) itemStatus(t *testing.T, id int64) (string, string) {
	t.Helper()
	it, err := e.store.GetQueueItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	return it.Status, it.Error
}

func quickSettings() pacing.Settings {
	return pacing.Settings{DailyLimit: 10, MinDelaySeconds: 5, MaxDelaySeconds: 5}
}

func TestStartRefusesBadDailyLimit(t *testing.T) {
	e := newEnv(t, &fakeDriver{}, fakeSession{browser.SessionConnected})
	e.svc.Apply(Config{Defaults: pacing.Settings{DailyLimit: -1, MinDelaySeconds: 90, MaxDelaySeconds: 300}})

	st, err := e.svc.Start(context.Background())
	if !errors.Is(err, ErrDailyLimitConfig) {
		t.Fatalf("Start err = %v", err)
	}
	if st.Running {
		t.Fatalf("worker running after refused start")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	e := newEnv(t, &fakeDriver{}, fakeSession{browser.SessionConnected})
	ctx := context.Background()

	st, err := e.svc.Start(ctx)
	if err != nil || !st.Running || st.Paused {
		t.Fatalf("Start = %+v err=%v", st, err)
	}
	st, err = e.svc.Start(ctx)
	if err != nil || !st.Running {
		t.Fatalf("second Start = %+v err=%v", st, err)
	}

	st, err = e.svc.Stop(ctx)
	if err != nil || st.Running {
		t.Fatalf("Stop = %+v err=%v", st, err)
	}
	st, err = e.svc.Stop(ctx)
	if err != nil || st.Running {
		t.Fatalf("second Stop = %+v err=%v", st, err)
	}
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t, &fakeDriver{state: browser.PageConnectable, verified: true}, fakeSession{browser.SessionConnected})
	e.putSettings(t, quickSettings())
	id := e.enqueue(t, "Jane Doe", "https://www.linkedin.com/in/jane-doe")
	ctx := context.Background()

	st, err := e.svc.Pause(ctx)
	if err != nil || !st.Paused {
		t.Fatalf("Pause = %+v err=%v", st, err)
	}

	// A paused worker makes no attempts.
	if d := e.svc.iterate(ctx); d != pausedSleep {
		t.Fatalf("paused iterate sleep = %v", d)
	}
	if status, _ := e.itemStatus(t, id); status != storage.StatusPending {
		t.Fatalf("item touched while paused: %q", status)
	}

	st, err = e.svc.Resume(ctx)
	if err != nil || st.Paused {
		t.Fatalf("Resume = %+v err=%v", st, err)
	}
}

func TestIterateSendsOldestFirst(t *testing.T) {
	drv := &fakeDriver{state: browser.PageConnectable, verified: true}
	e := newEnv(t, drv, fakeSession{browser.SessionConnected})
	e.putSettings(t, quickSettings())
	first := e.enqueue(t, "First Person", "https://www.linkedin.com/in/first")
	second := e.enqueue(t, "Second Person", "https://www.linkedin.com/in/second")
	ctx := context.Background()

	d := e.svc.iterate(ctx)
	if d != 5*time.Second {
		t.Fatalf("post-send sleep = %v", d)
	}
	if drv.sends != 1 {
		t.Fatalf("driver sends = %d", drv.sends)
	}
	if status, _ := e.itemStatus(t, first); status != storage.StatusSent {
		t.Fatalf("first item status = %q", status)
	}
	if status, _ := e.itemStatus(t, second); status != storage.StatusPending {
		t.Fatalf("second item status = %q", status)
	}

	st, err := e.svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.SendsToday != 1 || st.Sent != 1 || st.Pending != 1 || st.LastSent == nil {
		t.Fatalf("status = %+v", st)
	}
	if e.lock.Holder() != "" {
		t.Fatalf("lock still held after attempt: %q", e.lock.Holder())
	}
}

func TestIterateRespectsDailyLimit(t *testing.T) {
	drv := &fakeDriver{state: browser.PageConnectable, verified: true}
	e := newEnv(t, drv, fakeSession{browser.SessionConnected})
	s := quickSettings()
	s.DailyLimit = 1
	e.putSettings(t, s)
	e.enqueue(t, "First Person", "https://www.linkedin.com/in/first")
	id := e.enqueue(t, "Second Person", "https://www.linkedin.com/in/second")
	ctx := context.Background()

	if d := e.svc.iterate(ctx); d != 5*time.Second {
		t.Fatalf("first iterate sleep = %v", d)
	}

	// Cap reached: second iterate refuses before claiming anything.
	d := e.svc.iterate(ctx)
	if d != 5*time.Minute {
		t.Fatalf("capped iterate sleep = %v", d)
	}
	if drv.sends != 1 {
		t.Fatalf("driver sends = %d", drv.sends)
	}
	if status, _ := e.itemStatus(t, id); status != storage.StatusPending {
		t.Fatalf("second item status = %q", status)
	}
}

func TestIterateEmptyQueue(t *testing.T) {
	e := newEnv(t, &fakeDriver{}, fakeSession{browser.SessionConnected})
	e.putSettings(t, quickSettings())

	if d := e.svc.iterate(context.Background()); d != 30*time.Second {
		t.Fatalf("empty-queue sleep = %v", d)
	}
}

func TestIterateMarksFailedOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		driver     *fakeDriver
		wantReason string
	}{
		{"action not found", &fakeDriver{state: browser.PageConnectable, findErr: browser.ErrActionNotFound}, "connect action not found"},
		{"submit unverified", &fakeDriver{state: browser.PageConnectable, verified: false}, "send not verified"},
		{"driver error", &fakeDriver{state: browser.PageConnectable, submitErr: errors.New("navigation crashed")}, "navigation crashed"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.driver, fakeSession{browser.SessionConnected})
			e.putSettings(t, quickSettings())
			id := e.enqueue(t, "Jane Doe", "https://www.linkedin.com/in/jane-doe")

			// Failures still pace like sends; the worker stays alive.
			if d := e.svc.iterate(context.Background()); d != 5*time.Second {
				t.Fatalf("iterate sleep = %v", d)
			}
			status, reason := e.itemStatus(t, id)
			if status != storage.StatusFailed || reason != tc.wantReason {
				t.Fatalf("item = %q / %q", status, reason)
			}
			if e.lock.Holder() != "" {
				t.Fatalf("lock leaked: %q", e.lock.Holder())
			}
		})
	}
}

func TestIterateAlreadyConnectedCountsAsSent(t *testing.T) {
	drv := &fakeDriver{state: browser.PageAlreadyConnected}
	e := newEnv(t, drv, fakeSession{browser.SessionConnected})
	e.putSettings(t, quickSettings())
	id := e.enqueue(t, "Jane Doe", "https://www.linkedin.com/in/jane-doe")

	if d := e.svc.iterate(context.Background()); d != 5*time.Second {
		t.Fatalf("iterate sleep = %v", d)
	}
	if drv.sends != 0 {
		t.Fatalf("invite submitted to connected profile")
	}
	if status, _ := e.itemStatus(t, id); status != storage.StatusSent {
		t.Fatalf("item status = %q", status)
	}
}

func TestIterateLockBusyLeavesItemPending(t *testing.T) {
	drv := &fakeDriver{state: browser.PageConnectable, verified: true}
	e := newEnv(t, drv, fakeSession{browser.SessionConnected})
	e.putSettings(t, quickSettings())
	id := e.enqueue(t, "Jane Doe", "https://www.linkedin.com/in/jane-doe")
	ctx := context.Background()

	// A scrape run holds the profile.
	if err := e.lock.Acquire(ctx, "scrape-run", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if d := e.svc.iterate(ctx); d != 30*time.Second {
		t.Fatalf("contended iterate sleep = %v", d)
	}
	if drv.sends != 0 {
		t.Fatalf("sent while lock was held elsewhere")
	}
	status, reason := e.itemStatus(t, id)
	if status != storage.StatusPending || reason != "" {
		t.Fatalf("item = %q / %q", status, reason)
	}

	// After the scraper finishes the same item goes through.
	if err := e.lock.Release("scrape-run"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	e.svc.limiter = rate.NewLimiter(rate.Every(time.Second), 1) // refill the spacing floor
	if d := e.svc.iterate(ctx); d != 5*time.Second {
		t.Fatalf("iterate sleep = %v", d)
	}
	if status, _ := e.itemStatus(t, id); status != storage.StatusSent {
		t.Fatalf("item status = %q", status)
	}
}

func TestIterateSessionExpiredMarksNothing(t *testing.T) {
	drv := &fakeDriver{state: browser.PageConnectable, verified: true}
	e := newEnv(t, drv, fakeSession{browser.SessionExpired})
	e.putSettings(t, quickSettings())
	id := e.enqueue(t, "Jane Doe", "https://www.linkedin.com/in/jane-doe")

	if d := e.svc.iterate(context.Background()); d != sessionExpiredSleep {
		t.Fatalf("iterate sleep = %v", d)
	}
	if drv.sends != 0 {
		t.Fatalf("drove browser with expired session")
	}
	status, reason := e.itemStatus(t, id)
	if status != storage.StatusPending || reason != "" {
		t.Fatalf("item = %q / %q", status, reason)
	}
}

func TestSweepInterruptedOnStart(t *testing.T) {
	e := newEnv(t, &fakeDriver{}, fakeSession{browser.SessionConnected})
	e.putSettings(t, quickSettings())
	id := e.enqueue(t, "Jane Doe", "https://www.linkedin.com/in/jane-doe")
	ctx := context.Background()

	// A previous process died mid-send an hour ago.
	if _, err := e.store.ClaimNext(ctx, "dead-token", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	e.svc.sweepInterrupted(ctx)

	status, reason := e.itemStatus(t, id)
	if status != storage.StatusFailed || reason != storage.ErrInterrupted {
		t.Fatalf("swept item = %q / %q", status, reason)
	}
}

func TestSettingsOverlayDefaults(t *testing.T) {
	e := newEnv(t, &fakeDriver{}, fakeSession{browser.SessionConnected})
	ctx := context.Background()

	// Nothing stored: file defaults, normalized.
	s, err := e.svc.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s != pacing.Defaults() {
		t.Fatalf("defaults = %+v", s)
	}

	// Stored values survive restarts of the service.
	in := pacing.Settings{DailyLimit: 3, MinDelaySeconds: 10, MaxDelaySeconds: 20, BusinessHoursOnly: true, BizStartHour: 8, BizEndHour: 18}
	saved, err := e.svc.UpdateSettings(ctx, in)
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if saved != in {
		t.Fatalf("saved = %+v", saved)
	}
	s, err = e.svc.Settings(ctx)
	if err != nil || s != in {
		t.Fatalf("Settings after update = %+v err=%v", s, err)
	}

	// Out-of-range updates come back clamped.
	bad := pacing.Settings{DailyLimit: 0, MinDelaySeconds: 1, MaxDelaySeconds: 0, BizStartHour: -1, BizEndHour: 99}
	saved, err = e.svc.UpdateSettings(ctx, bad)
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if saved.DailyLimit != 1 || saved.MinDelaySeconds != 5 || saved.MaxDelaySeconds != 5 || saved.BizStartHour != 0 || saved.BizEndHour != 23 {
		t.Fatalf("clamped = %+v", saved)
	}
}
