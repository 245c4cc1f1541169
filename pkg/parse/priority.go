package parse

import (
	"net/url"
	"strings"
)

// Priority bands for discovered URLs. Higher values are dequeued first.
const (
	PriorityExactApplication = 100 // Path matched a high-priority application pattern exactly
	PriorityRelevantHost     = 80  // Application-flavored subdomain plus an application path
	PriorityHostOnly         = 70  // Application-flavored subdomain alone
	PriorityPathPattern      = 60  // High-priority pattern anywhere in the path
	PriorityKeyword          = 40  // A relevance keyword in the path
	PriorityBase             = 10  // Nothing notable; depth penalty applies below this
)

// hostIndicators mark subdomains that usually carry application content.
var hostIndicators = []string{"admission", "apply", "applicant", "undergrad", "freshman"}

// PriorityScorer assigns queue priorities to discovered URLs from configured
// pattern lists. The zero value scores everything at PriorityBase.
type PriorityScorer struct {
	highPatterns []string // Path substrings that identify high-value pages
	keywords     []string // Weaker relevance signals
}

// NewPriorityScorer builds a scorer from the configured pattern lists.
func NewPriorityScorer(highPatterns, keywords []string) *PriorityScorer {
	return &PriorityScorer{
		highPatterns: lowerAll(highPatterns),
		keywords:     lowerAll(keywords),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// Score returns the queue priority for u. Higher is dequeued first.
func (ps *PriorityScorer) Score(u *url.URL) int {
	if u == nil {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)
	if path == "" {
		path = "/"
	}

	// Exact application paths win outright
	for _, pattern := range ps.highPatterns {
		if path == pattern || strings.HasPrefix(path, pattern+"/") {
			return PriorityExactApplication
		}
	}

	hostRelevant := false
	for _, indicator := range hostIndicators {
		if strings.Contains(host, indicator) {
			hostRelevant = true
			break
		}
	}
	if hostRelevant {
		for _, pattern := range ps.highPatterns {
			if strings.Contains(path, pattern) {
				return PriorityRelevantHost
			}
		}
		return PriorityHostOnly
	}

	for _, pattern := range ps.highPatterns {
		if strings.Contains(path, pattern) {
			return PriorityPathPattern
		}
	}
	for _, keyword := range ps.keywords {
		if strings.Contains(path, keyword) {
			return PriorityKeyword
		}
	}

	// Shallow pages before deep ones
	depth := len(strings.FieldsFunc(path, func(r rune) bool { return r == '/' }))
	score := PriorityBase - depth
	if score < 0 {
		score = 0
	}
	return score
}
