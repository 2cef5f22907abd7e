package models

import (
	"net/http"
	"time"
)

// URLRecord is the ledger value stored for each discovered canonical URL
type URLRecord struct {
	URL          string    `json:"url"`                    // Canonical URL
	Completed    bool      `json:"completed"`              // Set once, never reverts
	DiscoveredAt time.Time `json:"discovered_at"`          // First time the URL entered the ledger
	CompletedAt  time.Time `json:"completed_at,omitempty"` // Time the URL was marked complete
}

// Response is the outcome of a single fetch, as returned by the fetch collaborator
type Response struct {
	URL     string      // URL that was requested
	Status  int         // HTTP status code, or a 6xx code for transport-level failures
	Error   string      // Transport error description, empty on success
	Headers http.Header // Response headers (nil on transport error)
	Body    []byte      // Raw body bytes (possibly truncated to the configured limit)
}

// ContentType returns the Content-Type header, or "" if absent
func (r *Response) ContentType() string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// FilteredURL pairs a URL the crawler chose not to fetch with the reason
type FilteredURL struct {
	URL    string
	Reason string
	Cause  error // Categorizable error behind Reason; nil for outcomes that are not rejections
}

// ScrapeResult is what the extraction collaborator hands back for one fetched page
type ScrapeResult struct {
	Valid    bool          // True if the page was fetched and parsed as HTML
	NextURLs []string      // Canonical, policy-approved outbound links
	Filtered []FilteredURL // Outbound links (or the page itself) rejected with a reason
	Tokens   []string      // Normalized word tokens for statistics
}

// PageStat is the longest-page marker
type PageStat struct {
	URL        string `json:"url"`
	TokenCount int    `json:"token_count"`
}

// CountEntry is a single key/count pair used for word and subdomain reports
type CountEntry struct {
	Key   string
	Count int64
}

// RunMetadata describes one crawler process run against a state directory
type RunMetadata struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Resumed   bool      `json:"resumed"`
}

// CrawlStatistics is a point-in-time copy of the aggregate statistics
type CrawlStatistics struct {
	WordCounts      map[string]int64 // Token -> occurrences across all pages
	SubdomainCounts map[string]int64 // Privileged-family host -> discovered URLs
	LongestPage     PageStat
}
