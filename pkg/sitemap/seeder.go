// Package sitemap turns sitemap URLs discovered in robots.txt into seed
// tasks for the frontier.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/fetch"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/parse"
)

const (
	// maxSitemapURLs bounds how many page URLs a single target may seed
	// from its sitemaps; huge sites list hundreds of thousands.
	maxSitemapURLs = 500

	// maxIndexDepth bounds nested sitemap-index recursion.
	maxIndexDepth = 2
)

// PushFunc submits one discovered URL to the frontier. It returns whether
// the URL was accepted; the seeder only uses the count for logging.
type PushFunc func(rawURL string, depth int, discoveredFrom string) bool

// Seeder collects sitemap URLs announced by robots.txt (it implements
// fetch.SitemapDiscoverer) and, on Seed, fetches and parses them into seed
// tasks. Fetches skip robots checks since robots.txt itself announced them.
type Seeder struct {
	fetcher      *fetch.Fetcher
	push         PushFunc
	hostInterval time.Duration
	log          *logrus.Entry

	mu       sync.Mutex
	sitemaps map[string]bool // Discovered, keyed by URL; value = processed
}

// NewSeeder creates a seeder feeding push.
func NewSeeder(fetcher *fetch.Fetcher, push PushFunc, hostInterval time.Duration, log *logrus.Entry) *Seeder {
	return &Seeder{
		fetcher:      fetcher,
		push:         push,
		hostInterval: hostInterval,
		log:          log,
		sitemaps:     make(map[string]bool),
	}
}

// FoundSitemap records a sitemap URL from robots.txt. Safe from any
// goroutine; duplicates are ignored.
func (s *Seeder) FoundSitemap(sitemapURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sitemaps[sitemapURL]; !exists {
		s.sitemaps[sitemapURL] = false
		s.log.WithField("sitemap_url", sitemapURL).Debug("Sitemap discovered via robots.txt")
	}
}

// Seed fetches every collected sitemap and pushes its page URLs at depth 0.
// Returns the number of accepted seeds. Parse failures are logged per
// sitemap and skipped.
func (s *Seeder) Seed(ctx context.Context) int {
	pending := s.takeUnprocessed()
	if len(pending) == 0 {
		return 0
	}

	s.log.Infof("Seeding from %d sitemap(s)", len(pending))
	accepted := 0
	budget := maxSitemapURLs
	for _, smURL := range pending {
		n := s.processSitemap(ctx, smURL, 0, &budget)
		accepted += n
		if budget <= 0 || ctx.Err() != nil {
			break
		}
	}
	s.log.Infof("Sitemap seeding complete: %d URLs accepted", accepted)
	return accepted
}

func (s *Seeder) takeUnprocessed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for smURL, processed := range s.sitemaps {
		if !processed {
			s.sitemaps[smURL] = true
			out = append(out, smURL)
		}
	}
	return out
}

// markProcessed returns true when the sitemap had not been handled yet.
func (s *Seeder) markProcessed(sitemapURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sitemaps[sitemapURL] {
		return false
	}
	s.sitemaps[sitemapURL] = true
	return true
}

// processSitemap fetches one sitemap, recursing one level into sitemap
// indexes. budget is decremented per accepted URL across the whole Seed.
func (s *Seeder) processSitemap(ctx context.Context, sitemapURL string, indexDepth int, budget *int) int {
	smLog := s.log.WithField("sitemap_url", sitemapURL)
	if _, err := url.ParseRequestURI(sitemapURL); err != nil {
		smLog.Warnf("Invalid sitemap URL: %v", err)
		return 0
	}

	result := s.fetcher.Fetch(ctx, &models.CrawlTask{URL: sitemapURL}, fetch.FetchOptions{
		PerHostInterval: s.hostInterval,
		SkipRobots:      true,
	})
	if result.Err != nil {
		smLog.Warnf("Sitemap fetch failed: %v", result.Err)
		return 0
	}

	// A sitemap file is either an index of further sitemaps or a URL set.
	var index parse.XMLSitemapIndex
	if err := xml.Unmarshal(result.Body, &index); err == nil && len(index.Sitemaps) > 0 {
		if indexDepth >= maxIndexDepth {
			smLog.Warn("Sitemap index nesting too deep, skipping")
			return 0
		}
		smLog.Infof("Sitemap index with %d entries", len(index.Sitemaps))
		accepted := 0
		for _, entry := range index.Sitemaps {
			if *budget <= 0 || ctx.Err() != nil {
				break
			}
			if s.markProcessed(entry.Loc) {
				accepted += s.processSitemap(ctx, entry.Loc, indexDepth+1, budget)
			}
		}
		return accepted
	}

	var urlSet parse.XMLURLSet
	if err := xml.Unmarshal(result.Body, &urlSet); err != nil {
		smLog.Warnf("Not a valid sitemap index or URL set: %v", err)
		return 0
	}

	accepted := 0
	for _, entry := range urlSet.URLs {
		if *budget <= 0 || ctx.Err() != nil {
			break
		}
		if entry.Loc == "" {
			continue
		}
		if s.push(entry.Loc, 0, fmt.Sprintf("sitemap:%s", sitemapURL)) {
			accepted++
			*budget--
		}
	}
	smLog.Infof("Seeded %d URLs from sitemap", accepted)
	return accepted
}
