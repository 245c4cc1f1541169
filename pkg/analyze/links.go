package analyze

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/parse"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// LinkExtractor pulls candidate URLs out of fetched HTML. It is pure with
// respect to crawl state: filtering against the visited set, scope, and
// depth limits happens in the worker.
type LinkExtractor struct {
	log *logrus.Entry
}

// NewLinkExtractor creates a LinkExtractor.
func NewLinkExtractor(log *logrus.Entry) *LinkExtractor {
	return &LinkExtractor{log: log}
}

// ExtractedLink is one discovery: the absolute original URL plus its
// normalized form for dedup.
type ExtractedLink struct {
	URL        string
	Normalized string
}

// Extract parses the HTML and returns the unique, crawlable absolute links,
// resolved against baseURL (the page's final URL after redirects). Links with
// javascript:/mailto:/tel: schemes, bare fragments, and suspicious URLs
// (repeating path segments, absurd depth) are dropped here; everything else
// is the caller's policy.
func (le *LinkExtractor) Extract(html []byte, baseURL *url.URL) ([]ExtractedLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: building document for %s: %w", utils.ErrParsing, baseURL, err)
	}

	seen := make(map[string]struct{})
	var links []ExtractedLink

	doc.Find("a[href]").Each(func(_ int, element *goquery.Selection) {
		href, exists := element.Attr("href")
		if !exists {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return // Empty or same-page fragment
		}
		lowered := strings.ToLower(href)
		for _, scheme := range []string{"javascript:", "mailto:", "tel:"} {
			if strings.HasPrefix(lowered, scheme) {
				return
			}
		}

		// Resolve relative to the page's final URL
		linkURL, parseErr := baseURL.Parse(href)
		if parseErr != nil {
			le.log.Debugf("Skipping invalid link href %q: %v", href, parseErr)
			return
		}
		if !parse.IsCrawlableURL(linkURL) {
			return
		}
		if parse.IsSuspiciousURL(linkURL) {
			le.log.Debugf("Skipping suspicious link: %s", linkURL)
			return
		}

		normalized := parse.NormalizeURL(linkURL)
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, ExtractedLink{URL: linkURL.String(), Normalized: normalized})
	})

	return links, nil
}
