package runlabel

import (
	"strings"
	"testing"
)

func TestSummarizeText(t *testing.T) {
	t.Parallel()

	if got := SummarizeText("  golang \n backend   engineer ", 140); got != "golang backend engineer" {
		t.Fatalf("SummarizeText = %q", got)
	}
	long := strings.Repeat("fintech ", 40)
	got := SummarizeText(long, 30)
	if len(got) > 32 || !strings.HasSuffix(got, "...") {
		t.Fatalf("capped label = %q (len %d)", got, len(got))
	}
	if got := SummarizeText("", 140); got != "" {
		t.Fatalf("empty label = %q", got)
	}
}

func TestSummarizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		url    string
		source string
		want   string
	}{
		{
			"people search keywords",
			"https://www.linkedin.com/search/results/people/?keywords=golang%20engineer&origin=GLOBAL",
			"",
			"LinkedIn people: golang engineer",
		},
		{
			"people search without keywords",
			"https://www.linkedin.com/search/results/people/",
			"",
			"LinkedIn people search URL",
		},
		{
			"sales nav terms",
			"https://www.linkedin.com/sales/search/people?query=(filters%3AList((type%3ATITLE%2Cvalues%3AList((text%3ACTO))))%2Ckeywords%3AList((text%3Afintech)))",
			"",
			"Sales Nav: CTO, fintech",
		},
		{
			"sales nav without terms",
			"https://www.linkedin.com/sales/search/people?sessionId=abc",
			"",
			"Sales Nav URL search",
		},
		{
			"company people",
			"https://www.linkedin.com/company/acme-corp/people/?keywords=sre",
			"",
			"Company people: acme-corp",
		},
		{
			"fallback shows host and path",
			"https://www.linkedin.com/feed/",
			"",
			"www.linkedin.com/feed/",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SummarizeURL(tc.url, tc.source, 140); got != tc.want {
				t.Fatalf("SummarizeURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSummarizeRequest(t *testing.T) {
	t.Parallel()

	got := SummarizeRequest(Request{Keywords: "golang", Title: "CTO", Location: "Berlin"}, 140)
	if got != "LinkedIn search: golang, title:CTO, location:Berlin" {
		t.Fatalf("SummarizeRequest = %q", got)
	}
	got = SummarizeRequest(Request{Source: "sales_navigator", Keywords: "fintech"}, 140)
	if got != "Sales Nav query: fintech" {
		t.Fatalf("SummarizeRequest = %q", got)
	}
	got = SummarizeRequest(Request{Source: "company_employees"}, 140)
	if got != "Company employees: search" {
		t.Fatalf("SummarizeRequest = %q", got)
	}
}
