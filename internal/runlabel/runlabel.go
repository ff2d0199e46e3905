// Package runlabel builds concise human labels for scrape runs, so run
// listings show "Sales Nav: fintech, CTO" instead of a 600-char URL.
package runlabel

import (
	"net/url"
	"regexp"
	"strings"
)

const defaultMaxLen = 140

var spaceRunRe = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}

// SummarizeText collapses whitespace and caps the label length.
func SummarizeText(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	v := collapse(s)
	if len(v) <= maxLen {
		return v
	}
	return strings.TrimRight(v[:maxLen-1], " ") + "..."
}

var salesNavTermRe = regexp.MustCompile(`text:([^,\)]+)`)

// salesNavTerms pulls the text:<value> filters out of the doubly
// URL-encoded Sales Navigator query payload.
func salesNavTerms(raw string, maxTerms int) []string {
	blob := doubleUnescape(raw)
	if u, err := url.Parse(raw); err == nil {
		if q := u.Query().Get("query"); q != "" {
			blob = doubleUnescape(q)
		}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, m := range salesNavTermRe.FindAllStringSubmatch(blob, -1) {
		t := collapse(unescape(m[1]))
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
		if len(out) == maxTerms {
			break
		}
	}
	return out
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func doubleUnescape(s string) string { return unescape(unescape(s)) }

// SummarizeURL labels a search URL by what it actually queries.
func SummarizeURL(raw, source string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	u, err := url.Parse(raw)
	if err != nil {
		return SummarizeText(raw, maxLen)
	}
	path := u.Path
	src := strings.ToLower(source)

	switch {
	case strings.Contains(path, "/sales/search/people") || src == "sales_navigator":
		if terms := salesNavTerms(raw, 5); len(terms) > 0 {
			return SummarizeText("Sales Nav: "+strings.Join(terms, ", "), maxLen)
		}
		return "Sales Nav URL search"
	case strings.Contains(path, "/search/results/people"):
		if kw := collapse(u.Query().Get("keywords")); kw != "" {
			return SummarizeText("LinkedIn people: "+kw, maxLen)
		}
		return "LinkedIn people search URL"
	case strings.Contains(path, "/company/") && strings.Contains(path, "/people"):
		slug := strings.SplitN(strings.SplitN(path, "/company/", 2)[1], "/", 2)[0]
		return SummarizeText("Company people: "+slug, maxLen)
	}

	host := u.Host
	if host == "" {
		host = "linkedin.com"
	}
	return SummarizeText(host+path, maxLen)
}

// Request holds the structured search fields a label can be built from.
type Request struct {
	Source   string
	Keywords string
	Title    string
	Location string
	Industry string
	Company  string
}

// SummarizeRequest labels a structured search request.
func SummarizeRequest(r Request, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	var bits []string
	add := func(prefix, v string) {
		if v = strings.TrimSpace(v); v != "" {
			bits = append(bits, prefix+v)
		}
	}
	add("", r.Keywords)
	add("title:", r.Title)
	add("location:", r.Location)
	add("company:", r.Company)
	add("industry:", r.Industry)

	base := "search"
	if len(bits) > 0 {
		base = strings.Join(bits, ", ")
	}
	switch r.Source {
	case "sales_navigator":
		base = "Sales Nav query: " + base
	case "company_employees":
		base = "Company employees: " + base
	default:
		base = "LinkedIn search: " + base
	}
	return SummarizeText(base, maxLen)
}
