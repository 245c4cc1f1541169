package parse

import (
	"net/url"
	"testing"
)

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("url.Parse(%q) error: %v", s, err)
	}
	return u
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path"},
		{"strip default http port", "http://example.com:80/page", "http://example.com/page"},
		{"strip default https port", "https://example.com:443/page", "https://example.com/page"},
		{"keep non-default port", "http://example.com:8080/page", "http://example.com:8080/page"},
		{"empty path becomes root", "https://example.com", "https://example.com/"},
		{"strip trailing slash", "https://example.com/a/b/", "https://example.com/a/b"},
		{"keep root slash", "https://example.com/", "https://example.com/"},
		{"strip fragment", "https://example.com/page#section", "https://example.com/page"},
		{"sort query keys", "https://example.com/p?b=2&a=1", "https://example.com/p?a=1&b=2"},
		{"strip utm params", "https://example.com/p?utm_source=x&utm_medium=y&id=5", "https://example.com/p?id=5"},
		{"strip fbclid", "https://example.com/p?fbclid=abc", "https://example.com/p"},
		{"keep meaningful query", "https://example.com/apply?program=cs", "https://example.com/apply?program=cs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeURL(mustParse(t, tt.input))
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL_Nil(t *testing.T) {
	if got := NormalizeURL(nil); got != "" {
		t.Errorf("NormalizeURL(nil) = %q, want empty", got)
	}
}

func TestNormalizeURL_DoesNotMutateInput(t *testing.T) {
	u := mustParse(t, "HTTPS://Example.com/page/#frag")
	_ = NormalizeURL(u)
	if u.Scheme != "HTTPS" || u.Fragment != "frag" {
		t.Error("NormalizeURL() mutated its input URL")
	}
}

func TestParseAndNormalize(t *testing.T) {
	normalized, parsed, err := ParseAndNormalize("https://Example.com/About/")
	if err != nil {
		t.Fatalf("ParseAndNormalize() error: %v", err)
	}
	if normalized != "https://example.com/About" {
		t.Errorf("normalized = %q, want %q", normalized, "https://example.com/About")
	}
	if parsed.Host != "Example.com" {
		t.Errorf("parsed.Host = %q, want original host preserved", parsed.Host)
	}
}

func TestParseAndNormalize_Invalid(t *testing.T) {
	if _, _, err := ParseAndNormalize("not a url"); err == nil {
		t.Error("ParseAndNormalize() expected error for relative/invalid URL")
	}
}

func TestIsCrawlableURL(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"https://example.com/page", true},
		{"http://example.com", true},
		{"ftp://example.com/file", false},
		{"mailto:someone@example.com", false},
		{"/relative/path", false},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.input)
		if got := IsCrawlableURL(u); got != tt.want {
			t.Errorf("IsCrawlableURL(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestIsSuspiciousURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"normal", "https://example.com/admission/apply", false},
		{"repeating segments", "https://example.com/apply/apply/apply", true},
		{"very deep path", "https://example.com/a/b/c/d/e/f/g/h/i/j/k/l/m/n/o/p", true},
		{"html in url", "https://example.com/page%3Cscript%3E", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(tt.input)
			if got := IsSuspiciousURL(u); got != tt.want {
				t.Errorf("IsSuspiciousURL(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
