package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Run statuses. A run is created running and moves exactly once to done
// or error.
const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusError   = "error"
)

// ErrRunFinished reports a second completion attempt on a run that
// already reached a terminal status.
var ErrRunFinished = errors.New("run already finished")

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one extraction invocation.
type RunRecord struct {
	ID          int64      `json:"id"`
	RunType     string     `json:"run_type"`
	Status      string     `json:"status"`
	Source      string     `json:"source,omitempty"`
	Query       string     `json:"query,omitempty"`
	InputURL    string     `json:"input_url,omitempty"`
	MaxPages    int        `json:"max_pages,omitempty"`
	Found       int        `json:"found"`
	Enriched    int        `json:"enriched"`
	OutputPaths []string   `json:"output_paths,omitempty"`
	ParamsJSON  string     `json:"params_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// BeginRunParams describes a new run.
type BeginRunParams struct {
	RunType    string
	Source     string
	Query      string
	InputURL   string
	MaxPages   int
	ParamsJSON string
}

// RunOutcome is the terminal state recorded by CompleteRun.
type RunOutcome struct {
	Status      string // RunStatusDone or RunStatusError
	Found       int
	Enriched    int
	Error       string
	OutputPaths []string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status  string
	RunType string
	Limit   int
	Offset  int
}

// BeginRun inserts a running run row and returns its id.
func (s *Store) BeginRun(ctx context.Context, p BeginRunParams) (int64, error) {
	var maxPages any
	if p.MaxPages > 0 {
		maxPages = p.MaxPages
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_runs (run_type, status, source, query_text, input_url, max_pages, params_json, started_at)
		 VALUES (?, 'running', ?, ?, ?, ?, ?, ?)`,
		p.RunType, nullStr(p.Source), nullStr(p.Query), nullStr(p.InputURL), maxPages,
		nullStr(p.ParamsJSON), fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompleteRun is the exactly-once terminal transition. Completing a run
// that already finished returns ErrRunFinished so history stays
// auditable; an unknown id returns ErrRunNotFound.
func (s *Store) CompleteRun(ctx context.Context, id int64, out RunOutcome) error {
	status := out.Status
	if status != RunStatusDone && status != RunStatusError {
		return errors.New("run outcome status must be done or error")
	}
	var paths any
	if len(out.OutputPaths) > 0 {
		b, err := json.Marshal(out.OutputPaths)
		if err != nil {
			return err
		}
		paths = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_runs
		 SET status = ?, leads_found = ?, leads_enriched = ?, error = ?, output_paths = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, out.Found, out.Enriched, nullStr(out.Error), paths, fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scrape_runs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}
	return ErrRunFinished
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := runSelect
	args := []any{}
	switch {
	case f.Status != "" && f.RunType != "":
		q += ` WHERE status = ? AND run_type = ?`
		args = append(args, f.Status, f.RunType)
	case f.Status != "":
		q += ` WHERE status = ?`
		args = append(args, f.Status)
	case f.RunType != "":
		q += ` WHERE run_type = ?`
		args = append(args, f.RunType)
	}
	q += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRuns counts runs matching the filter, ignoring its paging.
func (s *Store) CountRuns(ctx context.Context, f RunFilter) (int, error) {
	q := `SELECT COUNT(*) FROM scrape_runs`
	args := []any{}
	switch {
	case f.Status != "" && f.RunType != "":
		q += ` WHERE status = ? AND run_type = ?`
		args = append(args, f.Status, f.RunType)
	case f.Status != "":
		q += ` WHERE status = ?`
		args = append(args, f.Status)
	case f.RunType != "":
		q += ` WHERE run_type = ?`
		args = append(args, f.RunType)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

const runSelect = `SELECT id, run_type, status, source, query_text, input_url, max_pages,
	leads_found, leads_enriched, output_paths, params_json, error, started_at, finished_at
	FROM scrape_runs`

func scanRun(r rowScanner) (RunRecord, error) {
	var (
		rec                      RunRecord
		source, query, inputURL  sql.NullString
		paths, params, errMsg    sql.NullString
		maxPages                 sql.NullInt64
		startedAt                string
		finishedAt               sql.NullString
	)
	err := r.Scan(&rec.ID, &rec.RunType, &rec.Status, &source, &query, &inputURL, &maxPages,
		&rec.Found, &rec.Enriched, &paths, &params, &errMsg, &startedAt, &finishedAt)
	if err != nil {
		return RunRecord{}, err
	}
	rec.Source = source.String
	rec.Query = query.String
	rec.InputURL = inputURL.String
	rec.MaxPages = int(maxPages.Int64)
	rec.ParamsJSON = params.String
	rec.Error = errMsg.String
	if paths.Valid && paths.String != "" {
		_ = json.Unmarshal([]byte(paths.String), &rec.OutputPaths)
	}
	if t, ok := parseTime(startedAt); ok {
		rec.StartedAt = t
	}
	rec.FinishedAt = parseTimePtr(finishedAt)
	return rec, nil
}
