package analyze

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/utils"
)

// Signal weights for the heuristic score. A page at or past the candidate
// threshold is worth an AI evaluation; below it, the page is informational
// noise.
const (
	weightHostIndicator  = 3
	weightPathPattern    = 2
	weightPathKeyword    = 1
	weightTitleKeyword   = 2
	weightTitleIndicator = 3
	weightMetaKeyword    = 1
	weightMetaIndicator  = 2
	weightFormAction     = 3
	weightButtonText     = 4
	weightPortalPhrase   = 4
)

// hostIndicators are subdomain fragments that strongly suggest an
// application surface (admissions.example.edu, apply.example.edu).
var hostIndicators = []string{"admission", "apply", "applicant", "undergrad"}

// formIndicators are phrases that appear on or around actual application
// forms and portal entry points.
var formIndicators = []string{
	"start application",
	"begin application",
	"submit application",
	"create account",
	"application form",
	"apply now",
	"start your application",
	"application status",
	"application portal",
	"common app",
	"common application",
	"coalition app",
}

var (
	commonAppRe      = regexp.MustCompile(`(?i)common\s*app(lication)?|coalition\s*app(lication)?`)
	applicantLoginRe = regexp.MustCompile(`(?i)applicant\s*login|application\s*login|application\s*portal`)
)

// PageSignals is the heuristic analysis of one fetched page.
type PageSignals struct {
	Title     string
	Score     int
	Reasons   []string // Human-readable signals, persisted on the PageRecord
	Candidate bool     // Score cleared the threshold; worth an AI evaluation
}

// HeuristicClassifier scores a page's likelihood of being an application
// page from URL, title, meta description, forms, and portal phrases. It never
// calls out anywhere; the AI evaluator refines its candidates.
type HeuristicClassifier struct {
	keywords     []string
	highPatterns []string
	minScore     int
	log          *logrus.Entry
}

// NewHeuristicClassifier creates a classifier. highPatterns and keywords are
// the configured priority lists (lowercased here); minScore <= 0 falls back
// to the default threshold of 3.
func NewHeuristicClassifier(highPatterns, keywords []string, minScore int, log *logrus.Entry) *HeuristicClassifier {
	if minScore <= 0 {
		minScore = 3
	}
	return &HeuristicClassifier{
		keywords:     lowerAll(keywords),
		highPatterns: lowerAll(highPatterns),
		minScore:     minScore,
		log:          log,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Analyze scores the page and returns its signals.
func (hc *HeuristicClassifier) Analyze(pageURL *url.URL, html []byte) (*PageSignals, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: building document for %s: %w", utils.ErrParsing, pageURL, err)
	}

	sig := &PageSignals{}
	host := strings.ToLower(pageURL.Hostname())
	path := strings.ToLower(pageURL.Path)

	// Subdomain indicates strong likelihood
	for _, ind := range hostIndicators {
		if strings.Contains(host, ind) {
			sig.add(weightHostIndicator, fmt.Sprintf("host suggests application page: %s", host))
			break
		}
	}

	for _, pattern := range hc.highPatterns {
		if strings.Contains(path, pattern) {
			sig.add(weightPathPattern, fmt.Sprintf("URL contains high-priority pattern %q", pattern))
		}
	}
	for _, keyword := range hc.keywords {
		if strings.Contains(path, keyword) {
			sig.add(weightPathKeyword, fmt.Sprintf("URL contains keyword %q", keyword))
		}
	}

	sig.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if sig.Title != "" {
		titleLower := strings.ToLower(sig.Title)
		for _, keyword := range hc.keywords {
			if strings.Contains(titleLower, keyword) {
				sig.add(weightTitleKeyword, fmt.Sprintf("title contains keyword %q", keyword))
			}
		}
		for _, ind := range formIndicators {
			if strings.Contains(titleLower, ind) {
				sig.add(weightTitleIndicator, fmt.Sprintf("title contains form indicator %q", ind))
			}
		}
	}

	if meta, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		metaLower := strings.ToLower(meta)
		for _, keyword := range hc.keywords {
			if strings.Contains(metaLower, keyword) {
				sig.add(weightMetaKeyword, fmt.Sprintf("meta description contains keyword %q", keyword))
			}
		}
		for _, ind := range formIndicators {
			if strings.Contains(metaLower, ind) {
				sig.add(weightMetaIndicator, fmt.Sprintf("meta description contains form indicator %q", ind))
			}
		}
	}

	// Forms posting to application-ish endpoints
	doc.Find("form[action]").Each(func(_ int, form *goquery.Selection) {
		action, _ := form.Attr("action")
		actionLower := strings.ToLower(action)
		for _, keyword := range hc.keywords {
			if strings.Contains(actionLower, keyword) {
				sig.add(weightFormAction, fmt.Sprintf("form action contains keyword %q", keyword))
			}
		}
	})

	// Buttons and links whose visible text is a form indicator
	doc.Find("a, button").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(el.Text()))
		if text == "" {
			return true
		}
		for _, ind := range formIndicators {
			if strings.Contains(text, ind) {
				sig.add(weightButtonText, fmt.Sprintf("contains application button/link with text %q", ind))
				return false // One hit is enough for this signal
			}
		}
		return true
	})

	bodyText := doc.Text()
	if commonAppRe.MatchString(bodyText) {
		sig.add(weightPortalPhrase, "page references Common App or Coalition App")
	}
	if applicantLoginRe.MatchString(bodyText) {
		sig.add(weightPortalPhrase, "page contains applicant login elements")
	}

	sig.Candidate = sig.Score >= hc.minScore
	hc.log.WithFields(logrus.Fields{
		"url": pageURL.String(), "score": sig.Score, "candidate": sig.Candidate,
	}).Debug("Heuristic page analysis complete")
	return sig, nil
}

func (s *PageSignals) add(weight int, reason string) {
	s.Score += weight
	s.Reasons = append(s.Reasons, reason)
}
