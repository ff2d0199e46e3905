package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrLockLost reports that a heartbeat or release found the lease row
// held by someone else (or gone).
var ErrLockLost = errors.New("lock lease lost")

// LockLease is the durable side of a profile lock.
type LockLease struct {
	Name        string
	Owner       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// ClaimResult reports one TryClaimLock attempt.
type ClaimResult struct {
	Claimed   bool
	Reclaimed bool   // a stale lease was taken over
	Holder    string // current owner when not claimed
}

// TryClaimLock attempts to take the named lease for owner. An existing
// lease is taken over only when it already belongs to owner (heartbeat
// refresh) or its heartbeat predates staleBefore.
func (s *Store) TryClaimLock(ctx context.Context, name, owner string, now, staleBefore time.Time) (ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	var (
		curOwner  string
		heartbeat string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT owner, heartbeat_at FROM browser_lock WHERE name = ?`, name,
	).Scan(&curOwner, &heartbeat)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO browser_lock (name, owner, acquired_at, heartbeat_at) VALUES (?, ?, ?, ?)`,
			name, owner, fmtTime(now), fmtTime(now),
		)
		if err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{Claimed: true}, tx.Commit()
	case err != nil:
		return ClaimResult{}, err
	}

	if curOwner == owner {
		_, err = tx.ExecContext(ctx,
			`UPDATE browser_lock SET heartbeat_at = ? WHERE name = ? AND owner = ?`,
			fmtTime(now), name, owner,
		)
		if err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{Claimed: true}, tx.Commit()
	}

	hb, ok := parseTime(heartbeat)
	if ok && !hb.Before(staleBefore) {
		return ClaimResult{Holder: curOwner}, tx.Commit()
	}

	// Stale lease: take it over from the dead owner.
	res, err := tx.ExecContext(ctx,
		`UPDATE browser_lock SET owner = ?, acquired_at = ?, heartbeat_at = ? WHERE name = ? AND owner = ?`,
		owner, fmtTime(now), fmtTime(now), name, curOwner,
	)
	if err != nil {
		return ClaimResult{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ClaimResult{Holder: curOwner}, tx.Commit()
	}
	return ClaimResult{Claimed: true, Reclaimed: true}, tx.Commit()
}

// HeartbeatLock refreshes the lease heartbeat while owner still holds it.
func (s *Store) HeartbeatLock(ctx context.Context, name, owner string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE browser_lock SET heartbeat_at = ? WHERE name = ? AND owner = ?`,
		fmtTime(now), name, owner,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return nil
}

// ReleaseLock drops the lease if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM browser_lock WHERE name = ? AND owner = ?`,
		name, owner,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return nil
}

// GetLock reads the current lease, nil when unheld.
func (s *Store) GetLock(ctx context.Context, name string) (*LockLease, error) {
	var (
		lease               LockLease
		acquired, heartbeat string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, owner, acquired_at, heartbeat_at FROM browser_lock WHERE name = ?`, name,
	).Scan(&lease.Name, &lease.Owner, &acquired, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t, ok := parseTime(acquired); ok {
		lease.AcquiredAt = t
	}
	if t, ok := parseTime(heartbeat); ok {
		lease.HeartbeatAt = t
	}
	return &lease, nil
}

// ReapStaleLocks removes lease rows whose heartbeat predates the cutoff.
// Run from maintenance so an abandoned lease does not sit until the next
// contender trips over it.
func (s *Store) ReapStaleLocks(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, heartbeat_at FROM browser_lock`)
	if err != nil {
		return 0, err
	}
	type cand struct{ name, hb string }
	var stale []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.name, &c.hb); err != nil {
			rows.Close()
			return 0, err
		}
		t, ok := parseTime(c.hb)
		if !ok || t.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	reaped := 0
	for _, c := range stale {
		// Conditional on the heartbeat we observed, so a live holder
		// that refreshed in between keeps its lease.
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM browser_lock WHERE name = ? AND heartbeat_at = ?`, c.name, c.hb)
		if err != nil {
			return reaped, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reaped++
		}
	}
	return reaped, nil
}
