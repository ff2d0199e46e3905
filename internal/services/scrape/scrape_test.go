package scrape

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"prospectd/internal/leads"
	"prospectd/internal/services/lock"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

type fakeExtractor struct {
	mu      sync.Mutex
	result  Result
	err     error
	block   chan struct{} // when set, Extract waits for it
	started chan struct{} // closed once Extract begins

	sawLockHeld bool
	pl          *lock.ProfileLock
}

func (f *fakeExtractor) Extract(ctx context.Context, req Request, onProgress func(found, page int)) (Result, error) {
	f.mu.Lock()
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	block := f.block
	f.mu.Unlock()

	if f.pl != nil && f.pl.Holder() != "" {
		f.sawLockHeld = true
	}
	if onProgress != nil {
		onProgress(len(f.result.Leads), 1)
	}
	if block != nil {
		select {
		case <-block:
		case <-time.After(5 * time.Second):
		}
	}
	return f.result, f.err
}

func newRunner(t *testing.T, ex *fakeExtractor) (*Runner, *storage.Store, *lock.ProfileLock) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "scrape.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	pl := lock.New(lock.Config{Retry: 10 * time.Millisecond}, st, logx.Nop())
	ex.pl = pl
	return New(Config{LockTimeout: 200 * time.Millisecond}, st, pl, ex, logx.Nop()), st, pl
}

func TestRunCompletesAndStoresLeads(t *testing.T) {
	ex := &fakeExtractor{result: Result{
		Leads: []leads.Lead{
			{FullName: "Jane Doe", LinkedInURL: "https://www.linkedin.com/in/jane-doe", Source: leads.SourceSearch},
			{FullName: "John Roe", LinkedInURL: "https://www.linkedin.com/in/john-roe", Source: leads.SourceSearch},
		},
		OutputPaths: []string{"out/run.json"},
	}}
	r, st, _ := newRunner(t, ex)
	ctx := context.Background()

	runID, err := r.Start(ctx, Request{RunType: "api_search", Source: leads.SourceSearch, Keywords: "golang"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != storage.RunStatusDone || rec.Found != 2 {
		t.Fatalf("run = %+v", rec)
	}
	if rec.Query != "LinkedIn search: golang" {
		t.Fatalf("run label = %q", rec.Query)
	}
	if len(rec.OutputPaths) != 1 {
		t.Fatalf("output paths = %v", rec.OutputPaths)
	}

	n, err := st.CountLeads(ctx, storage.LeadFilter{})
	if err != nil || n != 2 {
		t.Fatalf("lead count = %d err=%v", n, err)
	}
	if !ex.sawLockHeld {
		t.Fatalf("extractor ran without the profile lock")
	}

	p := r.Progress()
	if !p.Done || p.RunID != runID || p.Found != 2 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestSecondRunFailsFast(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	ex := &fakeExtractor{block: block, started: started}
	r, _, _ := newRunner(t, ex)
	ctx := context.Background()

	if _, err := r.Start(ctx, Request{RunType: "api_search", Source: leads.SourceSearch, Keywords: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if _, err := r.Start(ctx, Request{RunType: "api_search", Source: leads.SourceSearch, Keywords: "two"}); !errors.Is(err, ErrSearchActive) {
		t.Fatalf("overlapping Start err = %v", err)
	}

	close(block)
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The guard releases once the run is done.
	if _, err := r.Start(ctx, Request{RunType: "api_search", Source: leads.SourceSearch, Keywords: "three"}); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunRecordsExtractionError(t *testing.T) {
	ex := &fakeExtractor{err: errors.New("login wall hit")}
	r, st, _ := newRunner(t, ex)
	ctx := context.Background()

	runID, err := r.Start(ctx, Request{RunType: "api_scrape_url", Source: leads.SourceSalesNav, InputURL: "https://www.linkedin.com/sales/search/people?x=1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != storage.RunStatusError || rec.Error != "login wall hit" {
		t.Fatalf("run = %+v", rec)
	}
	if p := r.Progress(); !p.Done || p.Error != "login wall hit" {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunFailsWhenProfileBusy(t *testing.T) {
	ex := &fakeExtractor{}
	r, st, pl := newRunner(t, ex)
	ctx := context.Background()

	// The connect worker holds the profile and never lets go.
	if err := pl.Acquire(ctx, "connect-worker", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pl.Release("connect-worker")

	runID, err := r.Start(ctx, Request{RunType: "api_search", Source: leads.SourceSearch, Keywords: "golang"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec, err := st.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != storage.RunStatusError {
		t.Fatalf("run = %+v", rec)
	}
	if ex.sawLockHeld {
		t.Fatalf("extractor ran while profile was busy")
	}
}
