package analyze

import (
	"context"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// Result is the full analysis of one fetched page: the record to persist and
// the outbound links worth enqueueing.
type Result struct {
	Record *models.PageRecord
	Links  []ExtractedLink
}

// Analyzer runs the per-page pipeline: link extraction, heuristic scoring,
// and (for candidates) AI evaluation. One Analyzer serves all workers of a
// crawl; it holds no per-page state.
type Analyzer struct {
	classifier *HeuristicClassifier
	snippets   *SnippetBuilder
	links      *LinkExtractor
	evaluator  Evaluator // nil disables AI evaluation
	targetName string
	targetKey  string
	log        *logrus.Entry
}

// NewAnalyzer assembles the pipeline. evaluator may be nil; candidates then
// keep their heuristic classification.
func NewAnalyzer(classifier *HeuristicClassifier, snippets *SnippetBuilder, links *LinkExtractor, evaluator Evaluator, targetName, targetKey string, log *logrus.Entry) *Analyzer {
	return &Analyzer{
		classifier: classifier,
		snippets:   snippets,
		links:      links,
		evaluator:  evaluator,
		targetName: targetName,
		targetKey:  targetKey,
		log:        log,
	}
}

// Analyze processes one successful fetch. Evaluation failures are recorded
// on the page but never returned as errors; only unparseable HTML fails.
func (a *Analyzer) Analyze(ctx context.Context, res *models.FetchResult) (*Result, error) {
	baseURL, err := url.Parse(res.FinalURL)
	if err != nil {
		baseURL, err = url.Parse(res.Task.URL)
		if err != nil {
			return nil, utils.WrapErrorf(utils.ErrParsing, "no usable base URL for %s", res.Task.URL)
		}
	}

	links, err := a.links.Extract(res.Body, baseURL)
	if err != nil {
		return nil, err
	}

	sig, err := a.classifier.Analyze(baseURL, res.Body)
	if err != nil {
		return nil, err
	}

	record := &models.PageRecord{
		URL:            res.Task.URL,
		NormalizedURL:  res.Task.NormalizedURL,
		FinalURL:       res.FinalURL,
		Host:           baseURL.Hostname(),
		TargetKey:      a.targetKey,
		Title:          sig.Title,
		StatusCode:     res.StatusCode,
		Depth:          res.Task.Depth,
		DiscoveredFrom: res.Task.DiscoveredFrom,
		ContentHash:    utils.CalculateBytesSHA256(res.Body),
		Reasons:        sig.Reasons,
		FetchDuration:  res.Duration.Milliseconds(),
		Bytes:          int64(len(res.Body)),
		FetchedAt:      time.Now(),
	}

	// Heuristic-only classification; refined below when the evaluator runs.
	if sig.Candidate {
		record.Classification = models.ClassificationApplication
	} else {
		record.Classification = models.ClassificationOther
	}

	if sig.Candidate && a.evaluator != nil {
		a.evaluateCandidate(ctx, record, sig, res.Body)
	}

	return &Result{Record: record, Links: links}, nil
}

// evaluateCandidate runs the AI evaluation and folds the verdict into the
// record. A failed evaluation leaves a nil-score Evaluation on the record so
// downstream consumers can tell "not evaluated" from "evaluated irrelevant".
func (a *Analyzer) evaluateCandidate(ctx context.Context, record *models.PageRecord, sig *PageSignals, body []byte) {
	var snippet string
	if a.snippets != nil {
		var err error
		snippet, err = a.snippets.Build(body)
		if err != nil {
			a.log.WithError(err).WithField("url", record.URL).Warn("Snippet build failed, evaluating without page content")
		} else {
			record.Headings = ExtractHeadings([]byte(snippet))
			record.SnippetTokens = a.snippets.CountTokens(snippet)
		}
	}

	ev, err := a.evaluator.Evaluate(ctx, &EvalRequest{
		TargetName: a.targetName,
		URL:        record.URL,
		Title:      record.Title,
		Reasons:    record.Reasons,
		Snippet:    snippet,
		Headings:   record.Headings,
	})
	if err != nil {
		a.log.WithError(err).WithField("url", record.URL).Warn("AI evaluation failed, keeping heuristic classification")
		record.Evaluation = &models.Evaluation{Classification: record.Classification}
		return
	}
	record.Evaluation = ev
	record.Classification = ev.Classification
}
