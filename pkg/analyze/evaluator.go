package analyze

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/semaphore"

	"github.com/GhoulBiter/scraper/pkg/config"
	"github.com/GhoulBiter/scraper/pkg/models"
	"github.com/GhoulBiter/scraper/pkg/utils"
)

// Evaluator decides whether a candidate page really is an application page.
type Evaluator interface {
	// Evaluate inspects the candidate page. The returned error marks the
	// evaluation as failed; callers persist the page regardless.
	Evaluate(ctx context.Context, req *EvalRequest) (*models.Evaluation, error)
}

// EvalRequest carries everything the evaluator needs about one page.
type EvalRequest struct {
	TargetName string // Human-readable site name, e.g. the university
	URL        string
	Title      string
	Reasons    []string // Heuristic signals that flagged the page
	Snippet    string   // Token-budgeted markdown extract of the page
	Headings   []string
}

const evalSystemPrompt = `You are an expert at analyzing university websites and identifying actual application pages versus informational pages.

Please classify this page into ONE of the following categories:
1. DIRECT APPLICATION PAGE: Contains actual application form, immediate "Apply Now" buttons, login portal for applicants, or direct links to begin an application
2. APPLICATION PORTAL REFERENCE: References external application systems (like UCAS, Common App, etc.) with specific instructions on how to use them for this university
3. INFORMATION ONLY: Contains general information but no specific application instructions or requirements

Look carefully for:
- References to external application systems or portals (UCAS, Common App, Coalition App, UC Application, ApplyTexas, Cal State Apply, etc.)
- Multi-step application instructions or workflows
- Application deadlines and requirements
- Specific codes or identifiers needed for applications (institution codes, program codes)
- Links or references to university-specific application portals or systems
- Instructions on what happens after submitting an initial application
- Whether this is for undergraduate or graduate/doctoral programs

Your task:
- Respond with TRUE if this is category 1 or 2 (directly useful for applying)
- Respond with FALSE if this is category 3 (just information)
- Then provide a brief explanation for your decision and identify which category (1-3) it belongs to
- If you find any specific external application systems (UCAS, Common App, etc.), institution codes, or program codes, mention them explicitly.
- Determine if this is for undergraduate, graduate, or doctoral programs.

Format your response like this:
RESULT: TRUE/FALSE
CATEGORY: 1/2/3
EXPLANATION: Your explanation here
EXTERNAL_SYSTEMS: List any external systems mentioned (UCAS, Common App, UC Application, etc.) or NONE
INSTITUTION_CODE: Any institution codes found or NONE
PROGRAM_CODE: Any program codes found or NONE
EDUCATION_LEVEL: undergraduate/graduate/doctoral/unknown`

// Response parsing. Field bodies run until the next ALLCAPS field or end of
// text, matching the format the system prompt requests.
var (
	resultRe          = regexp.MustCompile(`(?i)RESULT:\s*(TRUE|FALSE)`)
	categoryRe        = regexp.MustCompile(`(?i)CATEGORY:\s*([1-4])`)
	explanationRe     = regexp.MustCompile(`(?s)EXPLANATION:\s*(.*?)(\n\w+:|$)`)
	externalSystemsRe = regexp.MustCompile(`(?s)EXTERNAL_SYSTEMS:\s*(.*?)(\n\w+:|$)`)
	institutionCodeRe = regexp.MustCompile(`(?s)INSTITUTION_CODE:\s*(.*?)(\n\w+:|$)`)
	programCodeRe     = regexp.MustCompile(`(?s)PROGRAM_CODE:\s*(.*?)(\n\w+:|$)`)
	educationLevelRe  = regexp.MustCompile(`(?i)EDUCATION_LEVEL:\s*(undergraduate|graduate|doctoral|unknown)`)
	systemSplitRe     = regexp.MustCompile(`[,;]|\sand\s`)
)

// canonicalSystem maps a free-form external system mention to its
// standardized name. Empty string means unrecognized.
func canonicalSystem(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "" || s == "none":
		return ""
	case strings.Contains(s, "ucas"):
		return "ucas"
	case strings.Contains(s, "common app") || strings.Contains(s, "commonapp"):
		return "common_app"
	case strings.Contains(s, "coalition"):
		return "coalition"
	case strings.Contains(s, "applytexas") || strings.Contains(s, "apply texas"):
		return "applytexas"
	case strings.Contains(s, "calstate") || strings.Contains(s, "cal state"):
		return "cal_state"
	case strings.Contains(s, "ouac"):
		return "ouac"
	case strings.Contains(s, "studylink"):
		return "studylink"
	case strings.Contains(s, "uni-assist") || strings.Contains(s, "uniassist"):
		return "uni_assist"
	case strings.Contains(s, "gradcas") || strings.Contains(s, "graduate"):
		return "postgrad"
	case strings.Contains(s, "uac"):
		return "uac"
	}
	return ""
}

// ParseEvaluationResponse extracts the structured evaluation from the
// model's text response. Missing fields degrade to zero values rather than
// failing; a response with no RESULT line yields category 0 ("other").
func ParseEvaluationResponse(text string) *models.Evaluation {
	ev := &models.Evaluation{Explanation: "Could not evaluate"}

	relevant := false
	if m := resultRe.FindStringSubmatch(text); m != nil {
		relevant = strings.EqualFold(m[1], "TRUE")
	}
	if m := categoryRe.FindStringSubmatch(text); m != nil {
		ev.Category, _ = strconv.Atoi(m[1])
	}
	if m := explanationRe.FindStringSubmatch(text); m != nil {
		ev.Explanation = strings.TrimSpace(m[1])
	}
	if m := externalSystemsRe.FindStringSubmatch(text); m != nil {
		for _, candidate := range systemSplitRe.Split(m[1], -1) {
			if name := canonicalSystem(candidate); name != "" {
				ev.ExternalSystems = append(ev.ExternalSystems, name)
			}
		}
	}
	if m := institutionCodeRe.FindStringSubmatch(text); m != nil {
		if code := strings.TrimSpace(m[1]); !strings.EqualFold(code, "none") {
			ev.InstitutionCode = code
		}
	}
	if m := programCodeRe.FindStringSubmatch(text); m != nil {
		if code := strings.TrimSpace(m[1]); !strings.EqualFold(code, "none") {
			ev.ProgramCode = code
		}
	}
	if m := educationLevelRe.FindStringSubmatch(text); m != nil {
		ev.EducationLevel = strings.ToLower(m[1])
	}

	ev.Classification = models.CategoryToClassification(ev.Category)
	score := 0.0
	if relevant {
		score = 1.0
	}
	ev.Score = &score
	return ev
}

// LLMEvaluator evaluates candidate pages with an OpenAI-compatible chat
// model. Calls are capped by a weighted semaphore so a burst of candidates
// cannot exhaust API rate limits.
type LLMEvaluator struct {
	llm   *openai.LLM
	cfg   config.EvaluatorConfig
	sem   *semaphore.Weighted
	log   *logrus.Entry
	stats *models.CrawlStats
}

// NewLLMEvaluator builds an evaluator from config. The API key is read from
// cfg.APIKeyEnv (default OPENAI_API_KEY); a missing key is an error since a
// crawl with evaluation enabled cannot proceed without it.
func NewLLMEvaluator(cfg config.EvaluatorConfig, stats *models.CrawlStats, log *logrus.Entry) (*LLMEvaluator, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key in $%s", utils.ErrEvaluation, keyEnv)
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating LLM client: %w", utils.ErrEvaluation, err)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	return &LLMEvaluator{
		llm:   llm,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		log:   log,
		stats: stats,
	}, nil
}

// BindStats attaches the run's counters so evaluation tokens and cost show
// up in progress snapshots. Call before the first Evaluate.
func (e *LLMEvaluator) BindStats(stats *models.CrawlStats) { e.stats = stats }

// Evaluate sends the page to the model and parses the structured verdict.
func (e *LLMEvaluator) Evaluate(ctx context.Context, req *EvalRequest) (*models.Evaluation, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for evaluation slot: %w", utils.ErrEvaluation, err)
	}
	defer e.sem.Release(1)

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := e.llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, evalSystemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, e.userPrompt(req)),
		},
		llms.WithTemperature(0.1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: model call for %s: %w", utils.ErrEvaluation, req.URL, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response for %s", utils.ErrEvaluation, req.URL)
	}

	choice := resp.Choices[0]
	ev := ParseEvaluationResponse(choice.Content)
	ev.Model = e.cfg.Model

	if n, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		ev.PromptTokens = n
	}
	if n, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		ev.CompletionToken = n
	}
	ev.CostUSD = float64(ev.PromptTokens)/1000*e.cfg.PromptCostPer1K +
		float64(ev.CompletionToken)/1000*e.cfg.OutputCostPer1K

	if e.stats != nil {
		e.stats.EvaluationDone(ev.PromptTokens+ev.CompletionToken, ev.CostUSD)
	}
	e.log.WithFields(logrus.Fields{
		"url":            req.URL,
		"classification": ev.Classification,
		"category":       ev.Category,
		"cost_usd":       ev.CostUSD,
	}).Debug("Page evaluated")
	return ev, nil
}

func (e *LLMEvaluator) userPrompt(req *EvalRequest) string {
	var b strings.Builder
	b.WriteString("Analyze this university webpage and determine if it is an application-related page where students can either apply directly or get critical information needed to apply to the university.\n\n")
	b.WriteString("You are given the following information:\n\n")
	fmt.Fprintf(&b, "University: %s\n", req.TargetName)
	fmt.Fprintf(&b, "Page Title: %s\n", req.Title)
	fmt.Fprintf(&b, "URL: %s\n", req.URL)
	fmt.Fprintf(&b, "Detected Reasons: %s\n", strings.Join(req.Reasons, ", "))
	if len(req.Headings) > 0 {
		fmt.Fprintf(&b, "Page Headings: %s\n", strings.Join(req.Headings, "; "))
	}
	if req.Snippet != "" {
		fmt.Fprintf(&b, "\nPage Content (markdown extract):\n%s\n", req.Snippet)
	}
	b.WriteString("\nPlease be extremely precise in identifying if this is for undergraduate applications or graduate/doctoral programs. Specifically look for terms like \"undergraduate\", \"freshmen\", \"first-year\", \"transfer\" for undergraduate, versus \"graduate\", \"master's\", \"PhD\", \"doctoral\" for graduate programs.\n\n")
	b.WriteString("Also carefully identify any external application systems (like UCAS for UK universities, Common App for US colleges, UC Application for University of California campuses, etc.) that are mentioned or referenced.")
	return b.String()
}
