package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"prospectd/internal/leads"
)

// ErrLeadNotFound reports an unknown lead id.
var ErrLeadNotFound = errors.New("lead not found")

// LeadRow is a stored lead.
type LeadRow struct {
	ID                int64      `json:"id"`
	FullName          string     `json:"full_name"`
	LinkedInURL       string     `json:"linkedin_url,omitempty"`
	Headline          string     `json:"headline,omitempty"`
	CurrentTitle      string     `json:"current_title,omitempty"`
	CurrentCompany    string     `json:"current_company,omitempty"`
	Location          string     `json:"location,omitempty"`
	ConnectionDegree  string     `json:"connection_degree,omitempty"`
	MutualConnections int        `json:"mutual_connections"`
	Source            string     `json:"source,omitempty"`
	SearchQuery       string     `json:"search_query,omitempty"`
	ScrapedAt         *time.Time `json:"scraped_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// LeadFilter narrows ListLeads. Search matches name, headline, title and
// company, case-insensitively.
type LeadFilter struct {
	Source  string
	Company string
	Search  string
	Limit   int
	Offset  int
}

const leadSelect = `SELECT id, full_name, linkedin_url, headline, current_title,
	current_company, location, connection_degree, mutual_connections,
	source, search_query, scraped_at, created_at FROM leads`

// UpsertLead inserts or refreshes a lead, keyed by its dedup key. The
// profile URL is canonicalized before it is stored so queue dedup sees
// one spelling per person. A re-scrape overwrites profile fields but
// never blanks an already-known URL.
func (s *Store) UpsertLead(ctx context.Context, l leads.Lead) (int64, error) {
	name := leads.CleanText(l.FullName)
	if name == "" {
		return 0, errors.New("lead full_name is required")
	}
	l.FullName = name
	l.LinkedInURL = leads.NormalizeURL(l.LinkedInURL)

	scrapedAt := l.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now()
	}

	key := l.DedupKey()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (dedup_key, linkedin_url, full_name, headline,
		   current_title, current_company, location, connection_degree,
		   mutual_connections, source, search_query, scraped_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(dedup_key) DO UPDATE SET
		   linkedin_url = COALESCE(excluded.linkedin_url, leads.linkedin_url),
		   full_name = excluded.full_name,
		   headline = excluded.headline,
		   current_title = excluded.current_title,
		   current_company = excluded.current_company,
		   location = excluded.location,
		   connection_degree = excluded.connection_degree,
		   mutual_connections = excluded.mutual_connections,
		   source = excluded.source,
		   search_query = excluded.search_query,
		   scraped_at = excluded.scraped_at`,
		key, nullStr(l.LinkedInURL), name, nullStr(leads.CleanText(l.Headline)),
		nullStr(leads.CleanText(l.CurrentTitle)), nullStr(leads.CleanText(l.CurrentCompany)),
		nullStr(leads.CleanText(l.Location)), nullStr(l.ConnectionDegree),
		l.MutualConnections, nullStr(string(l.Source)), nullStr(l.SearchQuery),
		fmtTime(scrapedAt), fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM leads WHERE dedup_key = ?`, key).Scan(&id)
	return id, err
}

// GetLead fetches one lead by id.
func (s *Store) GetLead(ctx context.Context, id int64) (*LeadRow, error) {
	row, err := scanLead(s.db.QueryRowContext(ctx, leadSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListLeads returns leads newest-first, narrowed by the filter.
func (s *Store) ListLeads(ctx context.Context, f LeadFilter) ([]LeadRow, error) {
	where, args := leadWhere(f)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		leadSelect+where+` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeadRow
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLeads reports how many leads match the filter.
func (s *Store) CountLeads(ctx context.Context, f LeadFilter) (int, error) {
	where, args := leadWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`+where, args...).Scan(&n)
	return n, err
}

// DeleteLeads removes the given leads and any queue rows that reference
// them. Returns how many leads and queue rows went away.
func (s *Store) DeleteLeads(ctx context.Context, ids []int64) (leadsDeleted, queueDeleted int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM connect_queue WHERE lead_id IN (`+ph+`)`, args...)
	if err != nil {
		return 0, 0, err
	}
	qn, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM leads WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return 0, 0, err
	}
	ln, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(ln), int(qn), nil
}

// ClearLeads empties the lead table and the queue with it.
func (s *Store) ClearLeads(ctx context.Context) (leadsDeleted, queueDeleted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM connect_queue`)
	if err != nil {
		return 0, 0, err
	}
	qn, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM leads`)
	if err != nil {
		return 0, 0, err
	}
	ln, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(ln), int(qn), nil
}

// LeadStats is the dashboard summary block.
type LeadStats struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
	Queue    QueueStats     `json:"queue"`
	Runs     int            `json:"runs"`
}

// Stats aggregates lead, queue and run counts in one pass.
func (s *Store) Stats(ctx context.Context) (LeadStats, error) {
	st := LeadStats{BySource: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(source, ''), COUNT(*) FROM leads GROUP BY source`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return st, err
		}
		if src == "" {
			src = "unknown"
		}
		st.BySource[src] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	if st.Queue, err = s.QueueStats(ctx); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_runs`).Scan(&st.Runs)
	return st, err
}

func leadWhere(f LeadFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Company != "" {
		conds = append(conds, "current_company LIKE ? COLLATE NOCASE")
		args = append(args, "%"+f.Company+"%")
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		conds = append(conds, `(full_name LIKE ? COLLATE NOCASE
			OR headline LIKE ? COLLATE NOCASE
			OR current_title LIKE ? COLLATE NOCASE
			OR current_company LIKE ? COLLATE NOCASE)`)
		args = append(args, like, like, like, like)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanLead(r rowScanner) (LeadRow, error) {
	var (
		l                                  LeadRow
		url, headline, title, company, loc sql.NullString
		degree, source, query, scrapedAt   sql.NullString
		createdAt                          string
	)
	err := r.Scan(&l.ID, &l.FullName, &url, &headline, &title, &company, &loc,
		&degree, &l.MutualConnections, &source, &query, &scrapedAt, &createdAt)
	if err != nil {
		return l, err
	}
	l.LinkedInURL = url.String
	l.Headline = headline.String
	l.CurrentTitle = title.String
	l.CurrentCompany = company.String
	l.Location = loc.String
	l.ConnectionDegree = degree.String
	l.Source = source.String
	l.SearchQuery = query.String
	l.ScrapedAt = parseTimePtr(scrapedAt)
	if t, ok := parseTime(createdAt); ok {
		l.CreatedAt = t
	}
	return l, nil
}
