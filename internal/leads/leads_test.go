package leads

import "testing"

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"canonical passthrough", "https://www.linkedin.com/in/jane-doe", "https://www.linkedin.com/in/jane-doe"},
		{"strip query", "https://www.linkedin.com/in/jane-doe?miniProfileUrn=abc", "https://www.linkedin.com/in/jane-doe"},
		{"strip trailing slash", "https://www.linkedin.com/in/jane-doe/", "https://www.linkedin.com/in/jane-doe"},
		{"path only", "/in/jane-doe", "https://www.linkedin.com/in/jane-doe"},
		{"protocol relative", "//www.linkedin.com/in/jane-doe", "https://www.linkedin.com/in/jane-doe"},
		{"bare host", "linkedin.com/in/jane-doe", "https://www.linkedin.com/in/jane-doe"},
		{"bare www host", "www.linkedin.com/in/jane-doe", "https://www.linkedin.com/in/jane-doe"},
		{"http to https", "http://linkedin.com/in/jane-doe", "https://www.linkedin.com/in/jane-doe"},
		{"sales lead", "https://linkedin.com/sales/lead/ACwAAA,NAME_SEARCH,abcd", "https://www.linkedin.com/sales/lead/ACwAAA,NAME_SEARCH,abcd"},
		{"not a profile", "https://www.linkedin.com/feed/", ""},
		{"empty", "", ""},
		{"whitespace", "  \t ", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeURL(tc.in); got != tc.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	if got := CleanText("  Jane\u200b  Doe \n"); got != "Jane Doe" {
		t.Fatalf("CleanText = %q", got)
	}
	if got := CleanText("\ufeffJane Doe"); got != "Jane Doe" {
		t.Fatalf("CleanText bom prefix = %q", got)
	}
	if got := CleanText("\u200b\u200c\u200d\ufeff"); got != "" {
		t.Fatalf("CleanText zero-width only = %q", got)
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	withURL := Lead{FullName: "Jane Doe", LinkedInURL: "https://www.linkedin.com/in/jane-doe", CurrentCompany: "Acme"}
	if got := withURL.DedupKey(); got != "https://www.linkedin.com/in/jane-doe" {
		t.Fatalf("DedupKey = %q", got)
	}
	noURL := Lead{FullName: "Jane Doe", CurrentCompany: "Acme"}
	if got := noURL.DedupKey(); got != "Jane Doe|Acme" {
		t.Fatalf("DedupKey = %q", got)
	}
}
