package models

import (
	"net/http"
	"time"
)

// CrawlTask represents one URL to fetch and process. Apart from Attempt it is
// immutable once enqueued: workers may bump Attempt on failure before handing
// the task back to the queue, nothing else changes.
type CrawlTask struct {
	URL            string // Original URL as discovered
	NormalizedURL  string // Canonical form used for dedup
	Depth          int    // 0 for seeds, parent depth + 1 for discoveries
	Priority       int    // Higher value is dequeued first
	DiscoveredFrom string // Parent page URL, empty for seeds
	Attempt        int    // Number of failed processing attempts so far
}

// FetchResult holds the normalized outcome of a single HTTP retrieval. It is
// owned transiently by the worker that produced it; the Fetcher does not
// retain it.
type FetchResult struct {
	Task       *CrawlTask
	StatusCode int
	FinalURL   string // URL after redirects
	Body       []byte
	Headers    http.Header
	Duration   time.Duration
	Err        error // nil on success
}

// PageRecord is the persisted result of processing one page.
type PageRecord struct {
	URL            string      `json:"url"`
	NormalizedURL  string      `json:"normalized_url"`
	FinalURL       string      `json:"final_url,omitempty"`
	Host           string      `json:"host"`
	TargetKey      string      `json:"target_key,omitempty"`
	Title          string      `json:"title,omitempty"`
	StatusCode     int         `json:"status_code"`
	Depth          int         `json:"depth"`
	DiscoveredFrom string      `json:"discovered_from,omitempty"`
	ContentHash    string      `json:"content_hash,omitempty"`
	Headings       []string    `json:"headings,omitempty"`
	SnippetTokens  int         `json:"snippet_tokens,omitempty"`
	Classification string      `json:"classification"`
	Reasons        []string    `json:"reasons,omitempty"` // Heuristic signals that produced the classification
	Evaluation     *Evaluation `json:"evaluation,omitempty"`
	FetchDuration  int64       `json:"fetch_duration_ms"`
	Bytes          int64       `json:"bytes"`
	FetchedAt      time.Time   `json:"fetched_at"`
}

// Evaluation is the output of the AI relevance evaluator for a single page.
// Score is nil when evaluation failed or was skipped; the record is still
// stored (evaluation failures are never fatal).
type Evaluation struct {
	Classification  string   `json:"classification"`
	Score           *float64 `json:"score,omitempty"` // nil = evaluation failed or skipped
	Category        int      `json:"category,omitempty"`
	Explanation     string   `json:"explanation,omitempty"`
	ExternalSystems []string `json:"external_systems,omitempty"`
	InstitutionCode string   `json:"institution_code,omitempty"`
	ProgramCode     string   `json:"program_code,omitempty"`
	EducationLevel  string   `json:"education_level,omitempty"`
	Model           string   `json:"model,omitempty"`
	PromptTokens    int      `json:"prompt_tokens,omitempty"`
	CompletionToken int      `json:"completion_tokens,omitempty"`
	CostUSD         float64  `json:"cost_usd,omitempty"`
}

// RunRecord summarizes one crawl run for a target.
type RunRecord struct {
	ID        string         `json:"id"`
	TargetKey string         `json:"target_key"`
	Seeds     []string       `json:"seeds"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Reason    string         `json:"reason,omitempty"` // "exhausted", "signal", "page_limit", "deadline", ...
	Final     *StatsSnapshot `json:"final,omitempty"`
}
