// Package scrape owns extraction runs: at most one run may be in flight
// process-wide, every run is recorded durably, and the browser profile
// lock is held for the duration of the extraction.
package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"prospectd/internal/browser"
	"prospectd/internal/leads"
	"prospectd/internal/runlabel"
	"prospectd/internal/services/lock"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

// ErrSearchActive is the fail-fast answer to starting a run while one is
// in flight. Callers poll and retry; nothing queues.
var ErrSearchActive = errors.New("a search is already running")

// Request describes one extraction run.
type Request struct {
	RunType  string       `json:"run_type"`
	Source   leads.Source `json:"source"`
	Keywords string       `json:"keywords,omitempty"`
	Title    string       `json:"title,omitempty"`
	Location string       `json:"location,omitempty"`
	Industry string       `json:"industry,omitempty"`
	Company  string       `json:"company,omitempty"`
	InputURL string       `json:"input_url,omitempty"`
	MaxPages int          `json:"max_pages,omitempty"`
}

// Label builds the concise run label shown in listings.
func (r Request) Label() string {
	if r.InputURL != "" {
		return runlabel.SummarizeURL(r.InputURL, string(r.Source), 0)
	}
	return runlabel.SummarizeRequest(runlabel.Request{
		Source:   string(r.Source),
		Keywords: r.Keywords,
		Title:    r.Title,
		Location: r.Location,
		Industry: r.Industry,
		Company:  r.Company,
	}, 0)
}

// Result is what an extraction produced.
type Result struct {
	Leads       []leads.Lead
	Enriched    int
	OutputPaths []string
}

// Extractor drives the browser and parses result pages. Implementations
// run with the profile lock already held.
type Extractor interface {
	Extract(ctx context.Context, req Request, onProgress func(found, page int)) (Result, error)
}

// Progress is a live snapshot of the in-flight (or last) run.
type Progress struct {
	RunID int64  `json:"run_id"`
	Found int    `json:"found"`
	Page  int    `json:"page"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Config tunes the runner.
type Config struct {
	LockTimeout time.Duration // bound on profile lock acquisition
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Minute
	}
	return c
}

// Runner serializes extraction runs.
type Runner struct {
	cfg       Config
	log       logx.Logger
	store     *storage.Store
	lock      *lock.ProfileLock
	extractor Extractor

	mu     sync.Mutex
	active bool
	prog   Progress
	done   chan struct{}
}

func New(cfg Config, store *storage.Store, pl *lock.ProfileLock, ex Extractor, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ex == nil {
		ex = NoExtractor{}
	}
	return &Runner{cfg: cfg.withDefaults(), log: log, store: store, lock: pl, extractor: ex}
}

// NoExtractor fails every run; it keeps the daemon runnable (run
// records, progress, API) without an automation backend.
type NoExtractor struct{}

func (NoExtractor) Extract(context.Context, Request, func(found, page int)) (Result, error) {
	return Result{}, browser.ErrNoDriver
}

// Active reports whether a run is in flight.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Progress returns the live snapshot of the current or last run.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prog
}

// Wait blocks until the in-flight run finishes, or ctx ends. Returns
// immediately when nothing is running.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins an extraction run in the background and returns its run
// id. Fails fast with ErrSearchActive when a run is already in flight.
func (r *Runner) Start(ctx context.Context, req Request) (int64, error) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return 0, ErrSearchActive
	}
	r.active = true
	r.mu.Unlock()

	runID, err := r.begin(ctx, req)
	if err != nil {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
		return 0, err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.prog = Progress{RunID: runID}
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.execute(req, runID)
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
	}()
	return runID, nil
}

func (r *Runner) begin(ctx context.Context, req Request) (int64, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	return r.store.BeginRun(ctx, storage.BeginRunParams{
		RunType:    req.RunType,
		Source:     string(req.Source),
		Query:      req.Label(),
		InputURL:   req.InputURL,
		MaxPages:   req.MaxPages,
		ParamsJSON: string(params),
	})
}

func (r *Runner) execute(req Request, runID int64) {
	ctx := context.Background()
	owner := "scrape-run-" + uuid.NewString()

	r.log.Info("scrape run started",
		logx.Int64("run_id", runID),
		logx.String("run_type", req.RunType),
		logx.String("label", req.Label()))

	if err := r.lock.Acquire(ctx, owner, r.cfg.LockTimeout); err != nil {
		r.finish(ctx, runID, storage.RunOutcome{Status: storage.RunStatusError, Error: "browser profile busy: " + err.Error()})
		return
	}
	defer func() {
		if err := r.lock.Release(owner); err != nil {
			r.log.Warn("profile lock release failed", logx.Err(err))
		}
	}()

	res, err := r.extractor.Extract(ctx, req, func(found, page int) {
		r.mu.Lock()
		r.prog.Found = found
		r.prog.Page = page
		r.mu.Unlock()
	})
	if err != nil {
		r.finish(ctx, runID, storage.RunOutcome{Status: storage.RunStatusError, Error: err.Error()})
		return
	}

	stored := 0
	for _, l := range res.Leads {
		if _, err := r.store.UpsertLead(ctx, l); err != nil {
			r.log.Warn("upserting scraped lead failed",
				logx.String("name", l.FullName), logx.Err(err))
			continue
		}
		stored++
	}

	r.finish(ctx, runID, storage.RunOutcome{
		Status:      storage.RunStatusDone,
		Found:       len(res.Leads),
		Enriched:    res.Enriched,
		OutputPaths: res.OutputPaths,
	})
	r.log.Info("scrape run finished",
		logx.Int64("run_id", runID),
		logx.Int("found", len(res.Leads)),
		logx.Int("stored", stored))
}

func (r *Runner) finish(ctx context.Context, runID int64, out storage.RunOutcome) {
	r.mu.Lock()
	r.prog.Found = maxInt(r.prog.Found, out.Found)
	r.prog.Done = true
	r.prog.Error = out.Error
	r.mu.Unlock()

	if err := r.store.CompleteRun(ctx, runID, out); err != nil {
		r.log.Error("completing scrape run failed", logx.Int64("run_id", runID), logx.Err(err))
	}
	if out.Status == storage.RunStatusError {
		r.log.Warn("scrape run failed", logx.Int64("run_id", runID), logx.String("error", out.Error))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
