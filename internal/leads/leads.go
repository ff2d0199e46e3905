// Package leads defines the lead model shared by the scraper, the
// queue, and the control API, plus URL canonicalization so dedup keys
// stay stable across sources.
package leads

import (
	"regexp"
	"strings"
	"time"
)

// Source identifies where a lead was collected.
type Source string

const (
	SourceSearch        Source = "linkedin_search"
	SourceSalesNav      Source = "sales_navigator"
	SourceCompanyPeople Source = "company_employees"
)

// Lead is a scraped person. LinkedInURL is canonical (see NormalizeURL)
// or empty when the source page exposed no profile link.
type Lead struct {
	FullName          string    `json:"full_name"`
	LinkedInURL       string    `json:"linkedin_url,omitempty"`
	Headline          string    `json:"headline,omitempty"`
	CurrentTitle      string    `json:"current_title,omitempty"`
	CurrentCompany    string    `json:"current_company,omitempty"`
	Location          string    `json:"location,omitempty"`
	ConnectionDegree  string    `json:"connection_degree,omitempty"`
	MutualConnections int       `json:"mutual_connections,omitempty"`
	Source            Source    `json:"source"`
	SearchQuery       string    `json:"search_query,omitempty"`
	ScrapedAt         time.Time `json:"scraped_at"`
}

// DedupKey is the identity used for enqueue/upsert dedup: the canonical
// URL when present, otherwise name plus company.
func (l Lead) DedupKey() string {
	if l.LinkedInURL != "" {
		return l.LinkedInURL
	}
	return l.FullName + "|" + l.CurrentCompany
}

var (
	zeroWidthRe = regexp.MustCompile("[\u200b\u200c\u200d\ufeff]")
	spaceRunRe  = regexp.MustCompile(`\s+`)
	bareHostRe  = regexp.MustCompile(`(?i)^(?:www\.)?linkedin\.com`)
	schemeRe    = regexp.MustCompile(`^https?://(www\.)?linkedin\.com`)
)

// CleanText strips zero-width characters and collapses whitespace runs.
func CleanText(s string) string {
	s = zeroWidthRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}

// NormalizeURL canonicalizes a LinkedIn profile URL: fixes missing or
// protocol-relative schemes, forces the https://www.linkedin.com host,
// and drops the query string and trailing slash. Returns "" for URLs
// that are not profile links (/in/ or /sales/lead/).
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(u, "//"):
		u = "https:" + u
	case strings.HasPrefix(u, "/"):
		u = "https://www.linkedin.com" + u
	case bareHostRe.MatchString(u):
		u = "https://" + strings.TrimLeft(u, "/")
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	u = schemeRe.ReplaceAllString(u, "https://www.linkedin.com")
	if !strings.Contains(u, "/in/") && !strings.Contains(u, "/sales/lead/") {
		return ""
	}
	return u
}
