package server

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"prospectd/internal/leads"
	"prospectd/internal/services/connect"
	"prospectd/internal/services/scrape"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(s.session.Check(r.Context())),
	})
}

type searchRequest struct {
	Keywords string `json:"keywords"`
	Title    string `json:"title"`
	Location string `json:"location"`
	Industry string `json:"industry"`
	Company  string `json:"company"`
	MaxPages int    `json:"max_pages"`
}

func (s *Server) handleSearch(source leads.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if source == leads.SourceCompanyPeople && strings.TrimSpace(req.Company) == "" {
			writeError(w, http.StatusBadRequest, "company slug is required")
			return
		}
		runID, err := s.runner.Start(r.Context(), scrape.Request{
			RunType:  "api_search",
			Source:   source,
			Keywords: req.Keywords,
			Title:    req.Title,
			Location: req.Location,
			Industry: req.Industry,
			Company:  req.Company,
			MaxPages: req.MaxPages,
		})
		if errors.Is(err, scrape.ErrSearchActive) {
			writeError(w, http.StatusConflict, "%s", err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "start search: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "started",
			"source": string(source),
			"run_id": runID,
		})
	}
}

func (s *Server) handleScrapeURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL      string `json:"url"`
		MaxPages int    `json:"max_pages"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" || !strings.Contains(url, "linkedin.com") {
		writeError(w, http.StatusBadRequest, "please provide a valid LinkedIn URL")
		return
	}
	source := sourceFromURL(url)
	runID, err := s.runner.Start(r.Context(), scrape.Request{
		RunType:  "api_scrape_url",
		Source:   source,
		InputURL: url,
		MaxPages: req.MaxPages,
	})
	if errors.Is(err, scrape.ErrSearchActive) {
		writeError(w, http.StatusConflict, "%s", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start scrape: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "started",
		"source": string(source),
		"run_id": runID,
	})
}

func sourceFromURL(url string) leads.Source {
	switch {
	case strings.Contains(url, "/sales/"):
		return leads.SourceSalesNav
	case strings.Contains(url, "/company/"):
		return leads.SourceCompanyPeople
	default:
		return leads.SourceSearch
	}
}

// Progress polling replaces the event stream the web UI used: clients
// ask on their own schedule and get the same snapshot either way.
func (s *Server) handleSearchProgress(w http.ResponseWriter, _ *http.Request) {
	p := s.runner.Progress()
	if p.RunID == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"idle": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"idle":     false,
		"active":   s.runner.Active(),
		"progress": p,
	})
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.LeadFilter{
		Source:  q.Get("source"),
		Company: q.Get("company"),
		Search:  q.Get("search"),
		Limit:   parseIntDefault(q.Get("limit"), 100),
		Offset:  parseIntDefault(q.Get("offset"), 0),
	}
	rows, err := s.store.ListLeads(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list leads: %v", err)
		return
	}
	total, err := s.store.CountLeads(r.Context(), storage.LeadFilter{Source: f.Source, Company: f.Company, Search: f.Search})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count leads: %v", err)
		return
	}
	if rows == nil {
		rows = []storage.LeadRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"leads":  rows,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *Server) handleExportLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}
	rows, err := s.store.ListLeads(r.Context(), storage.LeadFilter{
		Source: q.Get("source"),
		Limit:  1000,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export leads: %v", err)
		return
	}

	if format == "json" {
		w.Header().Set("Content-Disposition", `attachment; filename=leads.json`)
		if rows == nil {
			rows = []storage.LeadRow{}
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename=leads.csv`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "full_name", "linkedin_url", "headline",
		"current_title", "current_company", "location", "connection_degree",
		"mutual_connections", "source", "search_query"})
	for _, l := range rows {
		_ = cw.Write([]string{
			strconv.FormatInt(l.ID, 10), l.FullName, l.LinkedInURL, l.Headline,
			l.CurrentTitle, l.CurrentCompany, l.Location, l.ConnectionDegree,
			strconv.Itoa(l.MutualConnections), l.Source, l.SearchQuery,
		})
	}
	cw.Flush()
}

func (s *Server) handleDeleteLeads(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadIDs []int64 `json:"lead_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.LeadIDs) == 0 {
		writeError(w, http.StatusBadRequest, "no lead_ids provided")
		return
	}
	ln, qn, err := s.store.DeleteLeads(r.Context(), req.LeadIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete leads: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"leads_deleted": ln,
		"queue_deleted": qn,
	})
}

// Clearing the lead table stops the worker first: a claim in flight
// would otherwise dangle against a row that no longer exists.
func (s *Server) handleClearLeads(w http.ResponseWriter, r *http.Request) {
	if _, err := s.worker.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "stop worker: %v", err)
		return
	}
	ln, qn, err := s.store.ClearLeads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clear leads: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"leads_deleted": ln,
		"queue_deleted": qn,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RunFilter{
		Status:  q.Get("status"),
		RunType: q.Get("run_type"),
		Limit:   parseIntDefault(q.Get("limit"), 50),
		Offset:  parseIntDefault(q.Get("offset"), 0),
	}
	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs: %v", err)
		return
	}
	total, err := s.store.CountRuns(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count runs: %v", err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadIDs []int64 `json:"lead_ids"`
		Note    string  `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.LeadIDs) == 0 {
		writeError(w, http.StatusBadRequest, "no lead_ids provided")
		return
	}
	res, err := s.store.EnqueueLeads(r.Context(), req.LeadIDs, req.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue: %v", err)
		return
	}
	if res.Added() > 0 {
		s.worker.Nudge()
	}
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":        res.Added(),
		"inserted":     res.Inserted,
		"retried":      res.Retried,
		"skipped":      res.Skipped,
		"total_queued": stats.Pending,
	})
}

// Retry re-queues one lead and wakes the worker so the operator sees an
// attempt immediately rather than after the next poll.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LeadID int64  `json:"lead_id"`
		Note   string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LeadID == 0 {
		writeError(w, http.StatusBadRequest, "no lead_id provided")
		return
	}
	res, err := s.store.EnqueueLeads(r.Context(), []int64{req.LeadID}, req.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue: %v", err)
		return
	}
	state, err := s.worker.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "worker status: %v", err)
		return
	}
	if res.Added() > 0 {
		if !state.Running {
			if state, err = s.worker.Start(r.Context()); err != nil {
				s.log.Warn("retry could not start worker", logx.Err(err))
			}
		}
		s.worker.Nudge()
	}
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":   res.Added(),
		"running": state.Running,
		"queue":   stats,
	})
}

func (s *Server) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	state, err := s.worker.Start(r.Context())
	if errors.Is(err, connect.ErrDailyLimitConfig) {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.writeWorkerState(w, state, err)
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	state, err := s.worker.Stop(r.Context())
	s.writeWorkerState(w, state, err)
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request) {
	state, err := s.worker.Pause(r.Context())
	s.writeWorkerState(w, state, err)
}

func (s *Server) handleWorkerResume(w http.ResponseWriter, r *http.Request) {
	state, err := s.worker.Resume(r.Context())
	s.writeWorkerState(w, state, err)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.worker.Status(r.Context())
	s.writeWorkerState(w, state, err)
}

func (s *Server) writeWorkerState(w http.ResponseWriter, state connect.WorkerState, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, "worker: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// queueItemView hides the in_progress claim marker behind the public
// three-state status.
type queueItemView struct {
	storage.QueueItem
	Status string `json:"status"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListQueue(r.Context(), r.URL.Query().Get("status"), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list queue: %v", err)
		return
	}
	views := make([]queueItemView, 0, len(items))
	for _, it := range items {
		views = append(views, queueItemView{QueueItem: it, Status: it.PublicStatus()})
	}
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue": views,
		"stats": stats,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.worker.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// PUT merges the body over the current effective settings, so partial
// updates leave the other knobs alone.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.worker.Settings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings: %v", err)
		return
	}
	merged := cur
	if !decodeBody(w, r, &merged) {
		return
	}
	updated, err := s.worker.UpdateSettings(r.Context(), merged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update settings: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
