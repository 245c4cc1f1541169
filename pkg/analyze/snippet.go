package analyze

import (
	"bytes"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/tiktoken-go/tokenizer"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/GhoulBiter/scraper/pkg/utils"
)

// SnippetBuilder converts fetched HTML into a token-budgeted markdown
// snippet for the AI evaluator. Conversion to markdown strips navigation
// noise cheaply; the token budget keeps evaluation costs bounded.
type SnippetBuilder struct {
	converter *md.Converter
	codec     tokenizer.Codec
	budget    int
}

// NewSnippetBuilder creates a builder. encoding names the tiktoken encoding
// ("cl100k_base", "o200k_base", ...); empty defaults to cl100k_base.
// budget <= 0 falls back to 2000 tokens.
func NewSnippetBuilder(encoding string, budget int) (*SnippetBuilder, error) {
	if budget <= 0 {
		budget = 2000
	}

	var enc tokenizer.Encoding
	switch encoding {
	case "", "cl100k_base":
		enc = tokenizer.Cl100kBase
	case "p50k_base":
		enc = tokenizer.P50kBase
	case "p50k_edit":
		enc = tokenizer.P50kEdit
	case "r50k_base":
		enc = tokenizer.R50kBase
	case "o200k_base":
		enc = tokenizer.O200kBase
	default:
		enc = tokenizer.Cl100kBase
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tokenizer encoding %q: %w", utils.ErrEvaluation, encoding, err)
	}

	return &SnippetBuilder{
		converter: md.NewConverter("", true, nil),
		codec:     codec,
		budget:    budget,
	}, nil
}

// CountTokens returns the token count for the given text, or -1 when
// encoding fails so callers can tell "unavailable" from a real zero.
func (sb *SnippetBuilder) CountTokens(text string) int {
	ids, _, err := sb.codec.Encode(text)
	if err != nil {
		return -1
	}
	return len(ids)
}

// Build converts HTML to markdown and trims it to the token budget.
// The returned snippet always starts at the top of the document; trailing
// sections are dropped first since pages front-load their subject matter.
func (sb *SnippetBuilder) Build(html []byte) (string, error) {
	markdown, err := sb.converter.ConvertString(string(html))
	if err != nil {
		return "", fmt.Errorf("%w: converting HTML to markdown: %w", utils.ErrParsing, err)
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return "", nil
	}

	if sb.CountTokens(markdown) <= sb.budget {
		return markdown, nil
	}

	// Over budget: split on markdown structure and keep leading chunks
	// until the next one would overflow.
	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithChunkSize(sb.budget/4),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithLenFunc(func(s string) int {
			if n := sb.CountTokens(s); n >= 0 {
				return n
			}
			return len(s) / 4
		}),
	)
	chunks, err := splitter.SplitText(markdown)
	if err != nil || len(chunks) == 0 {
		// Fall back to a crude character cut; 4 chars/token is a safe
		// over-estimate for English text.
		limit := sb.budget * 4
		if len(markdown) > limit {
			markdown = markdown[:limit]
		}
		return markdown, nil
	}

	var buf strings.Builder
	used := 0
	for _, chunk := range chunks {
		n := sb.CountTokens(chunk)
		if n < 0 {
			n = len(chunk) / 4
		}
		if used+n > sb.budget && buf.Len() > 0 {
			break
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(chunk)
		used += n
	}
	return buf.String(), nil
}

// ExtractHeadings parses markdown and returns all heading texts in
// document order. Headings give the evaluator a cheap page outline.
func ExtractHeadings(markdown []byte) []string {
	reader := text.NewReader(markdown)
	parser := goldmark.DefaultParser()
	doc := parser.Parse(reader)

	var headings []string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok {
			var buf bytes.Buffer
			for child := heading.FirstChild(); child != nil; child = child.NextSibling() {
				if textNode, ok := child.(*ast.Text); ok {
					buf.Write(textNode.Segment.Value(markdown))
				}
			}
			if buf.Len() > 0 {
				headings = append(headings, buf.String())
			}
		}
		return ast.WalkContinue, nil
	})

	return headings
}
