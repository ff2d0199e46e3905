package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Queue item statuses. StatusInProgress is an internal claim marker;
// externally those rows report as pending (see QueueItem.PublicStatus).
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// ErrInterrupted is the failure reason recorded for claims abandoned by
// a dead worker.
const ErrInterrupted = "worker interrupted"

// ErrClaimLost reports that a conditional queue update found the row no
// longer claimed under the caller's token.
var ErrClaimLost = errors.New("queue claim lost")

// QueueItem is one connect-queue row.
type QueueItem struct {
	ID          int64      `json:"id"`
	LeadID      int64      `json:"lead_id"`
	LinkedInURL string     `json:"linkedin_url"`
	FullName    string     `json:"full_name"`
	Note        string     `json:"note,omitempty"`
	Status      string     `json:"status"`
	ClaimedAt   *time.Time `json:"-"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PublicStatus maps the internal claim marker back into the external
// three-state contract.
func (q QueueItem) PublicStatus() string {
	if q.Status == StatusInProgress {
		return StatusPending
	}
	return q.Status
}

// EnqueueResult reports how many leads a batch enqueue actually queued.
// Inserted counts fresh rows; Retried counts failed rows reset back to
// pending. Skipped counts leads without a usable profile URL plus
// duplicates already pending or sent.
type EnqueueResult struct {
	Inserted int `json:"inserted"`
	Retried  int `json:"retried"`
	Skipped  int `json:"skipped"`
}

// Added is the single externally-visible counter.
func (r EnqueueResult) Added() int { return r.Inserted + r.Retried }

// QueueStats are the externally-visible queue counts. In-flight claims
// count as pending.
type QueueStats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// EnqueueLeads queues connect requests for the given lead ids. Dedup is
// by linkedin_url: rows already pending or sent are left alone; failed
// rows reset to pending with error cleared, which is the sole retry path.
func (s *Store) EnqueueLeads(ctx context.Context, leadIDs []int64, note string) (EnqueueResult, error) {
	now := fmtTime(time.Now())
	var res EnqueueResult
	for _, lid := range leadIDs {
		var (
			url  sql.NullString
			name string
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT linkedin_url, full_name FROM leads WHERE id = ?`, lid,
		).Scan(&url, &name)
		if errors.Is(err, sql.ErrNoRows) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		if !url.Valid || url.String == "" {
			res.Skipped++
			continue
		}

		cur, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO connect_queue (lead_id, linkedin_url, full_name, note, status, created_at)
			 VALUES (?, ?, ?, ?, 'pending', ?)`,
			lid, url.String, name, nullStr(note), now,
		)
		if err != nil {
			return res, err
		}
		if n, _ := cur.RowsAffected(); n == 1 {
			res.Inserted++
			continue
		}

		// Duplicate URL. Reset only if the existing row failed.
		upd, err := s.db.ExecContext(ctx,
			`UPDATE connect_queue
			 SET lead_id = ?, full_name = ?, note = ?, status = 'pending',
			     claim_token = NULL, claimed_at = NULL, sent_at = NULL, error = NULL, created_at = ?
			 WHERE linkedin_url = ? AND status = 'failed'`,
			lid, name, nullStr(note), now, url.String,
		)
		if err != nil {
			return res, err
		}
		if n, _ := upd.RowsAffected(); n == 1 {
			res.Retried++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// ClaimNext atomically claims the oldest pending item for the given
// token, flipping it to in_progress. Returns (nil, nil) when the queue
// has no pending items.
func (s *Store) ClaimNext(ctx context.Context, token string, now time.Time) (*QueueItem, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM connect_queue WHERE status = 'pending' ORDER BY id LIMIT 1`,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE connect_queue SET status = 'in_progress', claim_token = ?, claimed_at = ?
			 WHERE id = ? AND status = 'pending'`,
			token, fmtTime(now), id,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetQueueItem(ctx, id)
		}
		// Someone else claimed it first; take the next oldest.
	}
	return nil, nil
}

// Unclaim returns a claimed item to pending, e.g. when the browser lock
// could not be acquired in time.
func (s *Store) Unclaim(ctx context.Context, id int64, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connect_queue SET status = 'pending', claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND status = 'in_progress' AND claim_token = ?`,
		id, token,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkSent records a successful send for an item claimed under token.
func (s *Store) MarkSent(ctx context.Context, id int64, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connect_queue SET status = 'sent', sent_at = ?, error = NULL, claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND status = 'in_progress' AND claim_token = ?`,
		fmtTime(at), id, token,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed records a failed send for an item claimed under token.
func (s *Store) MarkFailed(ctx context.Context, id int64, token string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connect_queue SET status = 'failed', sent_at = NULL, error = ?, claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND status = 'in_progress' AND claim_token = ?`,
		nullStr(reason), id, token,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// SweepStaleClaims fails every in_progress row claimed before the
// cutoff, recording ErrInterrupted. Returns the number of rows swept.
func (s *Store) SweepStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claimed_at FROM connect_queue WHERE status = 'in_progress'`,
	)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var (
			id int64
			at sql.NullString
		)
		if err := rows.Scan(&id, &at); err != nil {
			rows.Close()
			return 0, err
		}
		t := parseTimePtr(at)
		if t == nil || t.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE connect_queue SET status = 'failed', error = ?, claim_token = NULL, claimed_at = NULL
			 WHERE id = ? AND status = 'in_progress'`,
			ErrInterrupted, id,
		)
		if err != nil {
			return swept, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			swept++
		}
	}
	return swept, nil
}

// QueueStats counts queue rows per public status.
func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  COUNT(CASE WHEN status IN ('pending','in_progress') THEN 1 END),
		  COUNT(CASE WHEN status = 'sent' THEN 1 END),
		  COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM connect_queue`,
	).Scan(&st.Pending, &st.Sent, &st.Failed)
	return st, err
}

// ListQueue returns queue rows in creation order, optionally filtered by
// public status ("pending" includes in-flight claims).
func (s *Store) ListQueue(ctx context.Context, status string, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, lead_id, linkedin_url, full_name, note, status, claimed_at, sent_at, error, created_at
	      FROM connect_queue`
	args := []any{}
	switch status {
	case "":
	case StatusPending:
		q += ` WHERE status IN ('pending','in_progress')`
	default:
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetQueueItem fetches one queue row by id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, linkedin_url, full_name, note, status, claimed_at, sent_at, error, created_at
		 FROM connect_queue WHERE id = ?`, id,
	)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// SentCountForLocalDay counts sent rows whose sent_at falls on the given
// local calendar day. Computed at read time so the cap never drifts if
// the process is down at midnight.
func (s *Store) SentCountForLocalDay(ctx context.Context, day time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sent_at FROM connect_queue WHERE status = 'sent' AND sent_at IS NOT NULL`,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	y, m, d := day.Local().Date()
	count := 0
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return 0, err
		}
		t := parseTimePtr(raw)
		if t == nil {
			continue
		}
		ty, tm, td := t.Local().Date()
		if ty == y && tm == m && td == d {
			count++
		}
	}
	return count, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(r rowScanner) (QueueItem, error) {
	var (
		it                QueueItem
		note, errMsg      sql.NullString
		claimedAt, sentAt sql.NullString
		createdAt         string
	)
	err := r.Scan(&it.ID, &it.LeadID, &it.LinkedInURL, &it.FullName, &note, &it.Status,
		&claimedAt, &sentAt, &errMsg, &createdAt)
	if err != nil {
		return QueueItem{}, err
	}
	it.Note = note.String
	it.Error = errMsg.String
	it.ClaimedAt = parseTimePtr(claimedAt)
	it.SentAt = parseTimePtr(sentAt)
	if t, ok := parseTime(createdAt); ok {
		it.CreatedAt = t
	}
	return it, nil
}
