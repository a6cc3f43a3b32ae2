package helpers

import "testing"

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "adds https to bare hosts and resolves dot segments",
			in:   "Arxiv.org/abs/../pdf/2401.00001",
			want: "https://arxiv.org/pdf/2401.00001",
		},
		{
			name: "drops default port, fragment and utm params",
			in:   "http://blog.example.org:80/post?p=7&utm_campaign=launch#comments",
			want: "http://blog.example.org/post?p=7",
		},
		{
			name: "orders query keys and keeps a trailing slash",
			in:   "https://docs.example.io/guide/?z=last&lang=en&gclid=abc",
			want: "https://docs.example.io/guide/?lang=en&z=last",
		},
		{
			name: "protocol relative links become https",
			in:   "//cdn.example.net/report.pdf?msclkid=1",
			want: "https://cdn.example.net/report.pdf",
		},
		{
			name: "collapses duplicate slashes",
			in:   "https://Data.Example.gov//series//2024///q1",
			want: "https://data.example.gov/series/2024/q1",
		},
		{
			name: "keeps non default port",
			in:   "https://Example.com:8443",
			want: "https://example.com:8443/",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			if err != nil {
				t.Fatalf("CanonicalURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalURLErrors(t *testing.T) {
	t.Parallel()
	if _, err := CanonicalURL(""); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := CanonicalURL(":///invalid"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestDedupeURLs(t *testing.T) {
	t.Parallel()
	got := DedupeURLs([]string{
		"https://example.com/a?utm_source=x",
		"https://EXAMPLE.com/a#top",
		"https://example.com/b",
		"",
		"https://example.com:443/b",
		"https://example.com/c",
	})
	if len(got) != 3 || got[0] != "https://example.com/a?utm_source=x" || got[1] != "https://example.com/b" {
		t.Fatalf("unexpected dedupe result %v", got)
	}
}
