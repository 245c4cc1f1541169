// Package export renders crawl results into artifact files: JSON, JSONL,
// CSV, a plain-text summary, and a markdown+HTML report.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/storage"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// StateReader reports the crawl lifecycle state. Exports are only valid once
// the crawl has fully stopped; a nil reader means the caller guarantees that
// (e.g. the standalone export subcommand running against a closed store).
type StateReader interface {
	State() models.CrawlState
}

// Exporter writes crawl artifacts from the page store. One Exporter serves
// one target.
type Exporter struct {
	store      storage.PageStore
	state      StateReader
	outputDir  string
	targetKey  string
	targetName string
	final      *models.StatsSnapshot // Final counters for the summary, may be nil
	log        *logrus.Entry
}

// NewExporter creates an exporter rooted at outputDir. final may be nil when
// exporting a past run whose counters are not at hand.
func NewExporter(store storage.PageStore, state StateReader, outputDir, targetKey, targetName string, final *models.StatsSnapshot, log *logrus.Entry) *Exporter {
	return &Exporter{
		store:      store,
		state:      state,
		outputDir:  outputDir,
		targetKey:  targetKey,
		targetName: targetName,
		final:      final,
		log:        log,
	}
}

// LatestFinal returns the final snapshot of the target's most recent
// finished run, or nil when none has finished. Standalone exports use it to
// recover the counters for the summary header.
func LatestFinal(store storage.StatsStore, targetKey string) *models.StatsSnapshot {
	runs, err := store.ListRuns()
	if err != nil {
		return nil
	}
	var latest *models.RunRecord
	for _, run := range runs {
		if run.TargetKey != targetKey || run.Final == nil {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Final
}

// Export writes one artifact in the given format ("json", "jsonl", "csv",
// "summary", "report") and returns its path. The report format writes a
// markdown file plus a rendered HTML sibling and returns the markdown path.
func (e *Exporter) Export(format string) (string, error) {
	if e.state != nil && e.state.State() != models.StateStopped {
		return "", fmt.Errorf("%w: crawl state is %s", utils.ErrExportBeforeStop, e.state.State())
	}

	pages, err := e.collect()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir %s: %w", e.outputDir, err)
	}

	timestamp := time.Now().Format("20060102_150405")
	base := fmt.Sprintf("%s_pages_%s", utils.SanitizeFilename(e.targetKey), timestamp)

	var path string
	switch format {
	case "json":
		path = filepath.Join(e.outputDir, base+".json")
		err = e.writeJSON(path, pages)
	case "jsonl":
		path = filepath.Join(e.outputDir, base+".jsonl")
		err = e.writeJSONL(path, pages)
	case "csv":
		path = filepath.Join(e.outputDir, base+".csv")
		err = e.writeCSV(path, pages)
	case "summary":
		path = filepath.Join(e.outputDir, base+"_summary.txt")
		err = e.writeSummary(path, pages)
	case "report":
		path = filepath.Join(e.outputDir, base+"_report.md")
		err = e.writeReport(path, pages)
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return "", err
	}

	e.log.WithFields(logrus.Fields{"format": format, "pages": len(pages), "path": path}).Info("Export written")
	return path, nil
}

// collect loads all page records for the target, ordered by descending
// evaluation score then URL so the most relevant pages lead every artifact.
func (e *Exporter) collect() ([]*models.PageRecord, error) {
	var pages []*models.PageRecord
	err := e.store.IteratePages(func(rec *models.PageRecord) error {
		pages = append(pages, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pages, func(i, j int) bool {
		si, sj := scoreOf(pages[i]), scoreOf(pages[j])
		if si != sj {
			return si > sj
		}
		return pages[i].URL < pages[j].URL
	})
	return pages, nil
}

func scoreOf(rec *models.PageRecord) float64 {
	if rec.Evaluation != nil && rec.Evaluation.Score != nil {
		return *rec.Evaluation.Score
	}
	return -1
}

func (e *Exporter) writeJSON(path string, pages []*models.PageRecord) error {
	data, err := json.MarshalIndent(pages, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pages: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (e *Exporter) writeJSONL(path string, pages []*models.PageRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range pages {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding page %s: %w", rec.URL, err)
		}
	}
	return nil
}

var csvHeader = []string{"url", "title", "target", "classification", "score", "category", "external_systems", "depth"}

func (e *Exporter) writeCSV(path string, pages []*models.PageRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range pages {
		row := []string{
			rec.URL,
			rec.Title,
			e.targetName,
			rec.Classification,
			"",
			"",
			"",
			strconv.Itoa(rec.Depth),
		}
		if ev := rec.Evaluation; ev != nil {
			if ev.Score != nil {
				row[4] = strconv.FormatFloat(*ev.Score, 'f', 1, 64)
			}
			if ev.Category > 0 {
				row[5] = strconv.Itoa(ev.Category)
			}
			row[6] = strings.Join(ev.ExternalSystems, ";")
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (e *Exporter) writeSummary(path string, pages []*models.PageRecord) error {
	var b strings.Builder

	if e.final != nil && e.final.Evaluations > 0 {
		b.WriteString("=== API Usage Metrics ===\n\n")
		fmt.Fprintf(&b, "Pages evaluated: %d\n", e.final.Evaluations)
		fmt.Fprintf(&b, "Total tokens: %d\n", e.final.EvalTokens)
		fmt.Fprintf(&b, "Estimated cost: $%.4f USD\n\n", e.final.EvalCostUSD)
	}

	relevant := filterRelevant(pages)
	b.WriteString("=== Application Pages Summary ===\n\n")
	fmt.Fprintf(&b, "Target: %s\n", e.targetName)
	fmt.Fprintf(&b, "Total pages crawled: %d\n", len(pages))
	fmt.Fprintf(&b, "Application-relevant pages: %d\n\n", len(relevant))

	b.WriteString("--- APPLICATION PAGES ---\n")
	for i, rec := range relevant {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, orUntitled(rec.Title), rec.URL, explanationOf(rec))
	}

	b.WriteString("\n--- INFORMATION/OTHER PAGES ---\n")
	i := 0
	for _, rec := range pages {
		if isRelevant(rec) {
			continue
		}
		i++
		fmt.Fprintf(&b, "%d. %s\n   %s\n\n", i, orUntitled(rec.Title), rec.URL)
	}

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// writeReport renders a markdown report and an HTML sibling via goldmark.
func (e *Exporter) writeReport(path string, pages []*models.PageRecord) error {
	markdown := e.buildReportMarkdown(pages)
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return err
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var html bytes.Buffer
	if err := md.Convert([]byte(markdown), &html); err != nil {
		return fmt.Errorf("%w: rendering HTML report: %w", utils.ErrParsing, err)
	}
	htmlPath := strings.TrimSuffix(path, ".md") + ".html"
	return os.WriteFile(htmlPath, html.Bytes(), 0o644)
}

func (e *Exporter) buildReportMarkdown(pages []*models.PageRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Crawl Report: %s\n\n", e.targetName)
	fmt.Fprintf(&b, "Generated %s\n\n", time.Now().Format(time.RFC1123))

	if e.final != nil {
		b.WriteString("## Run Metrics\n\n")
		b.WriteString("| Metric | Value |\n|---|---|\n")
		fmt.Fprintf(&b, "| Tasks completed | %d |\n", e.final.TasksCompleted)
		fmt.Fprintf(&b, "| Tasks failed | %d |\n", e.final.TasksFailed)
		fmt.Fprintf(&b, "| Pages saved | %d |\n", e.final.PagesSaved)
		fmt.Fprintf(&b, "| Bytes fetched | %d |\n", e.final.BytesFetched)
		fmt.Fprintf(&b, "| AI evaluations | %d |\n", e.final.Evaluations)
		if e.final.EvalCostUSD > 0 {
			fmt.Fprintf(&b, "| Estimated AI cost | $%.4f |\n", e.final.EvalCostUSD)
		}
		b.WriteString("\n")
	}

	relevant := filterRelevant(pages)
	fmt.Fprintf(&b, "## Application Pages (%d)\n\n", len(relevant))
	if len(relevant) > 0 {
		b.WriteString("| Title | URL | Classification | External Systems |\n|---|---|---|---|\n")
		for _, rec := range relevant {
			systems := ""
			if rec.Evaluation != nil {
				systems = strings.Join(rec.Evaluation.ExternalSystems, ", ")
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", escapePipes(orUntitled(rec.Title)), rec.URL, rec.Classification, systems)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## All Pages (%d)\n\n", len(pages))
	for _, rec := range relevant {
		fmt.Fprintf(&b, "### %s\n\n", escapePipes(orUntitled(rec.Title)))
		fmt.Fprintf(&b, "- URL: %s\n- Classification: %s\n- Depth: %d\n", rec.URL, rec.Classification, rec.Depth)
		if expl := explanationOf(rec); expl != "" {
			fmt.Fprintf(&b, "- Evaluation: %s\n", expl)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func isRelevant(rec *models.PageRecord) bool {
	return rec.Classification == models.ClassificationApplication ||
		rec.Classification == models.ClassificationPortalReference
}

func filterRelevant(pages []*models.PageRecord) []*models.PageRecord {
	var out []*models.PageRecord
	for _, rec := range pages {
		if isRelevant(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func explanationOf(rec *models.PageRecord) string {
	if rec.Evaluation != nil {
		return rec.Evaluation.Explanation
	}
	return ""
}

func orUntitled(title string) string {
	if strings.TrimSpace(title) == "" {
		return "(untitled)"
	}
	return title
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
