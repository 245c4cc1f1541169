package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/GhoulBiter/scraper/pkg/config"
)

// SitemapDiscoverer is the callback interface for sitemap directives found
// in robots.txt. The sitemap seeder implements it.
type SitemapDiscoverer interface {
	FoundSitemap(sitemapURL string)
}

// RobotsHandler manages fetching, parsing, caching, and checking robots.txt
// data. Failures of any kind (fetch, parse, 4xx) cache a nil entry and fail
// open: the crawl proceeds as if the host had no robots.txt.
type RobotsHandler struct {
	fetcher         *Fetcher
	robotsCache     map[string]*robotstxt.RobotsData // hostname -> parsed data (or nil)
	robotsCacheMu   sync.Mutex
	sitemapNotifier SitemapDiscoverer // Component to notify about found sitemaps, may be nil
	cfg             *config.AppConfig
	log             *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(fetcher *Fetcher, sitemapNotifier SitemapDiscoverer, cfg *config.AppConfig, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:         fetcher,
		robotsCache:     make(map[string]*robotstxt.RobotsData),
		sitemapNotifier: sitemapNotifier,
		cfg:             cfg,
		log:             log,
	}
}

// SetSitemapNotifier attaches the sitemap callback after construction.
func (rh *RobotsHandler) SetSitemapNotifier(n SitemapDiscoverer) {
	rh.robotsCacheMu.Lock()
	rh.sitemapNotifier = n
	rh.robotsCacheMu.Unlock()
}

// GetRobotsData retrieves robots.txt data for the targetURL's host, using
// cache or fetching. Returns parsed data or nil on any error/4xx/missing file.
func (rh *RobotsHandler) GetRobotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	if ctx == nil {
		ctx = context.Background()
	}
	host := targetURL.Hostname()
	hostLog := rh.log.WithField("host", host)

	// 1. Check cache
	rh.robotsCacheMu.Lock()
	robotsData, found := rh.robotsCache[host]
	rh.robotsCacheMu.Unlock()
	if found {
		return robotsData // Return cached data (could be nil)
	}

	// 2. Prepare fetch URL
	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: targetURL.Host, Path: "/robots.txt"}
	if targetURL.Scheme != "http" && targetURL.Scheme != "https" {
		hostLog.Warnf("Invalid scheme '%s', defaulting to https for robots.txt", targetURL.Scheme)
		robotsURL.Scheme = "https"
	}
	robotsURLStr := robotsURL.String()
	robotsLog := hostLog.WithField("robots_url", robotsURLStr)
	robotsLog.Info("Fetching robots.txt...") // Log only on cache miss

	// 3. Apply the politeness interval, same as any other request to the host
	if err := rh.fetcher.limiter.Wait(ctx, host, 0); err != nil {
		robotsLog.Errorf("Rate limit wait interrupted fetching robots.txt: %v", err)
		rh.cacheResult(host, nil)
		return nil
	}

	// 4. Fetch (with retries via Fetcher)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURLStr, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		rh.cacheResult(host, nil)
		return nil
	}
	req.Header.Set("User-Agent", rh.cfg.DefaultUserAgent) // Use default agent for robots

	resp, fetchErr := rh.fetcher.FetchWithRetry(req, ctx)
	rh.fetcher.limiter.UpdateLastRequestTime(host)

	if fetchErr != nil {
		// Fetcher already logged error details; 4xx means no robots.txt
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		robotsLog.Infof("No usable robots.txt (%v), host is unrestricted", fetchErr)
		rh.cacheResult(host, nil)
		return nil
	}
	defer resp.Body.Close()

	// 5. Read and parse body
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		robotsLog.Errorf("Error reading body: %v", err)
		rh.cacheResult(host, nil)
		return nil
	}

	data, err := robotstxt.FromBytes(bodyBytes)
	if err != nil {
		robotsLog.Errorf("Error parsing content: %v", err)
		rh.cacheResult(host, nil)
		return nil
	}

	// 6. Cache success & notify sitemaps
	robotsLog.Info("Successfully fetched and parsed robots.txt")
	rh.cacheResult(host, data)

	rh.robotsCacheMu.Lock()
	notifier := rh.sitemapNotifier
	rh.robotsCacheMu.Unlock()
	if notifier != nil && len(data.Sitemaps) > 0 {
		robotsLog.Infof("Found %d sitemap directive(s)", len(data.Sitemaps))
		for _, sitemapURL := range data.Sitemaps {
			notifier.FoundSitemap(sitemapURL)
		}
	}

	return data
}

func (rh *RobotsHandler) cacheResult(host string, data *robotstxt.RobotsData) {
	rh.robotsCacheMu.Lock()
	rh.robotsCache[host] = data
	rh.robotsCacheMu.Unlock()
}

// Allowed checks if the user agent may access the URL based on
// cached/fetched rules. Returns true if allowed (or robots data could not be
// obtained), false otherwise.
func (rh *RobotsHandler) Allowed(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	// Get data, fetching if needed. Handles caching internally
	robotsData := rh.GetRobotsData(ctx, targetURL)

	// Assume allowed if robots data could not be obtained (4xx, 5xx, network error, parse error)
	if robotsData == nil {
		return true
	}

	return robotsData.TestAgent(targetURL.RequestURI(), userAgent)
}
