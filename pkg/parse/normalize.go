package parse

import (
	"net"
	"net/url"
	"strings"
)

// trackingParams are query parameters stripped during normalization. They
// never change page content, only analytics attribution.
var trackingParams = map[string]bool{
	"fbclid":      true,
	"gclid":       true,
	"msclkid":     true,
	"mc_cid":      true,
	"mc_eid":      true,
	"ref":         true,
	"ref_src":     true,
	"igshid":      true,
	"_ga":         true,
	"_gl":         true,
	"session_id":  true,
	"sessionid":   true,
	"phpsessid":   true,
	"jsessionid":  true,
	"cfclearance": true,
}

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports (80 for http, 443
// for https), removes trailing slashes from paths (unless root "/"), ensures
// an empty path becomes "/", and removes fragments. Query strings are kept so
// distinct query pages stay distinct, but tracking parameters are dropped and
// the remaining keys are sorted for a canonical form.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil { // Host included a port
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host // Use hostname without default port
		}
	} // If no port or error, Host remains unchanged

	// Handle path normalization
	if normalized.Path == "" {
		normalized.Path = "/" // Ensure empty path becomes "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = normalized.Path[:len(normalized.Path)-1] // Remove trailing slash
	}

	normalized.Fragment = "" // Remove fragment

	// Canonicalize the query: drop tracking params, sort the rest.
	if normalized.RawQuery != "" {
		query := normalized.Query()
		for key := range query {
			lower := strings.ToLower(key)
			if trackingParams[lower] || strings.HasPrefix(lower, "utm_") {
				query.Del(key)
			}
		}
		normalized.RawQuery = query.Encode() // Encode sorts keys
	}

	return normalized.String()
}

// ParseAndNormalize parses a URL string using the stricter url.ParseRequestURI (requiring a scheme) and then normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr) // Stricter parsing
	if err != nil {
		return "", nil, err
	}
	normalizedStr := NormalizeURL(parsed)
	return normalizedStr, parsed, nil
}

// IsCrawlableURL reports whether the URL is something the crawler can fetch:
// absolute, http(s), and carrying a host.
func IsCrawlableURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Hostname() != ""
}

// IsSuspiciousURL flags URL shapes that usually indicate a crawler trap or a
// malformed href: immediately repeating path segments, extremely deep paths,
// or HTML leaking into the URL.
func IsSuspiciousURL(u *url.URL) bool {
	if u == nil {
		return true
	}

	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] != "" && segments[i] == segments[i+1] {
			return true
		}
	}
	if len(segments) > 15 {
		return true
	}

	s := u.String()
	for _, bad := range []string{"<", ">", `"`, "'", "%22", "%3C", "%3E"} {
		if strings.Contains(s, bad) {
			return true
		}
	}
	return false
}
