package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "codeheal/internal/errors"
	"codeheal/types"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/pkoukk/tiktoken-go"
)

// Request is everything a generator sees about one issue
type Request struct {
	Issue types.Issue
	// Source is the file content; loaded from Issue.FilePath when empty
	Source string
	// Hints are prior fixes from the knowledge store
	Hints []string
}

// Generator proposes a fix for an issue
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*types.Fix, error)
}

// Completer is one LLM backend: system + user prompt in, raw text out
type Completer interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// TokenCounter estimates prompt size
type TokenCounter func(text string) int

// fixResponse is the JSON shape the model must return
type fixResponse struct {
	StartLine   int     `json:"start_line" jsonschema:"minimum=0,description=First replaced line (1-based). 0 replaces the whole file."`
	EndLine     int     `json:"end_line" jsonschema:"minimum=0,description=Last replaced line (inclusive)."`
	Replacement string  `json:"replacement" jsonschema:"description=New source text for the replaced lines."`
	Safety      string  `json:"safety" jsonschema:"enum=safe,enum=medium,enum=risky"`
	Confidence  float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Explanation string  `json:"explanation"`
}

// responseSchema renders the fixResponse JSON schema once
var responseSchema = sync.OnceValue(func() string {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	b, err := json.MarshalIndent(r.Reflect(&fixResponse{}), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
})

const systemPrompt = `You repair defects in source files. Reply with a single JSON object and nothing else.
The object must validate against this JSON schema:
%s

Rules:
- Replace the smallest line range that fixes the defect.
- "safety" is "safe" only for behavior-preserving edits.
- "confidence" is your probability that the edit fixes the defect without regressions.`

// LLMGenerator asks a Completer for a patch and parses the structured reply
type LLMGenerator struct {
	completer       Completer
	model           string
	maxPromptTokens int
	countTokens     TokenCounter
}

// LLMOption configures an LLMGenerator
type LLMOption func(*LLMGenerator)

// WithPromptBudget caps the prompt size in tokens
func WithPromptBudget(tokens int) LLMOption {
	return func(g *LLMGenerator) {
		if tokens > 0 {
			g.maxPromptTokens = tokens
		}
	}
}

// WithTokenCounter replaces the tiktoken counter
func WithTokenCounter(fn TokenCounter) LLMOption {
	return func(g *LLMGenerator) {
		if fn != nil {
			g.countTokens = fn
		}
	}
}

// NewLLMGenerator creates a generator backed by completer
func NewLLMGenerator(completer Completer, model string, opts ...LLMOption) *LLMGenerator {
	g := &LLMGenerator{
		completer:       completer,
		model:           model,
		maxPromptTokens: 6000,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.countTokens == nil {
		g.countTokens = tiktokenCounter(model)
	}
	return g
}

func (g *LLMGenerator) Name() string { return "llm:" + g.completer.Name() }

// Generate builds the prompt, calls the model and turns its reply into an inactive Fix
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*types.Fix, error) {
	if req.Source == "" {
		content, err := os.ReadFile(req.Issue.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", req.Issue.FilePath, err)
		}
		req.Source = string(content)
	}

	prompt := g.buildPrompt(req)
	log.Printf("🧠 Requesting fix for %s (%s:%d) from %s, ~%d tokens",
		req.Issue.Type, req.Issue.FilePath, req.Issue.Line, g.completer.Name(), g.countTokens(prompt))

	raw, err := g.completer.Complete(ctx, fmt.Sprintf(systemPrompt, responseSchema()), prompt)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", g.completer.Name(), err)
	}

	resp, err := parseFixResponse(raw)
	if err != nil {
		return nil, err
	}
	return g.toFix(req.Issue, req.Source, resp), nil
}

func (g *LLMGenerator) buildPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s\n", req.Issue.FilePath)
	fmt.Fprintf(&sb, "Defect: %s (%s) at line %d\n", req.Issue.Type, req.Issue.Severity, req.Issue.Line)
	fmt.Fprintf(&sb, "Message: %s\n", req.Issue.Message)
	if len(req.Hints) > 0 {
		sb.WriteString("\nFixes that worked for similar defects:\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	header := sb.String()

	budget := g.maxPromptTokens - g.countTokens(header) - 50
	sb.WriteString("\nSource (line-numbered):\n")
	sb.WriteString(g.sourceWindow(req.Source, req.Issue.Line, budget))
	return sb.String()
}

// sourceWindow numbers the lines around line, shrinking the window until it fits budget
func (g *LLMGenerator) sourceWindow(source string, line, budget int) string {
	lines := strings.Split(source, "\n")
	if full := numberLines(lines, 1, len(lines)); g.countTokens(full) <= budget {
		return full
	}
	if line < 1 {
		line = 1
	}
	radius := 80
	for {
		from := max(1, line-radius)
		to := min(len(lines), line+radius)
		window := numberLines(lines, from, to)
		if g.countTokens(window) <= budget || radius <= 2 {
			return window
		}
		radius /= 2
	}
}

func numberLines(lines []string, from, to int) string {
	var sb strings.Builder
	for i := from; i <= to && i <= len(lines); i++ {
		fmt.Fprintf(&sb, "%5d| %s\n", i, lines[i-1])
	}
	return sb.String()
}

// parseFixResponse tolerates markdown fences around the JSON body
func parseFixResponse(raw string) (*fixResponse, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if parts := strings.SplitN(text, "\n", 2); len(parts) > 1 {
			text = parts[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start > 0 && end > start {
		text = text[start : end+1]
	}

	var resp fixResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, apperrors.NewValidationError("fix generator returned malformed JSON", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if strings.TrimSpace(resp.Replacement) == "" && resp.StartLine == 0 {
		return nil, apperrors.NewValidationError("fix generator returned an empty full-file replacement", nil)
	}
	if resp.StartLine < 0 || (resp.StartLine > 0 && resp.EndLine > 0 && resp.EndLine < resp.StartLine) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid line range %d-%d", resp.StartLine, resp.EndLine), nil)
	}
	return &resp, nil
}

func (g *LLMGenerator) toFix(issue types.Issue, source string, resp *fixResponse) *types.Fix {
	safety := types.SafetyTier(strings.ToLower(resp.Safety))
	switch safety {
	case types.SafetySafe, types.SafetyMedium, types.SafetyRisky:
	default:
		safety = types.SafetyRisky
	}
	end := resp.EndLine
	if resp.StartLine > 0 && end == 0 {
		end = resp.StartLine
	}
	patch := types.Patch{
		FilePath:    issue.FilePath,
		StartLine:   resp.StartLine,
		EndLine:     end,
		Replacement: resp.Replacement,
	}
	if !patch.FullFile() {
		patch.Original, _ = types.SourceLines(source, patch.StartLine, patch.EndLine)
	}
	return &types.Fix{
		ID:            uuid.New().String(),
		IssueID:       issue.ID,
		Patch:         patch,
		Safety:        safety,
		RawConfidence: min(max(resp.Confidence, 0), 1),
		Method:        g.Name(),
		Explanation:   resp.Explanation,
		CreatedAt:     time.Now().UTC(),
	}
}

// modelToEncoding maps model families to tiktoken encodings
var modelToEncoding = map[string]string{
	"gpt-4":   "cl100k_base",
	"gpt-3.5": "cl100k_base",
	"gemini":  "cl100k_base",
	"claude":  "cl100k_base",
}

// tiktokenCounter counts with the model's encoding, falling back to a
// chars/4 estimate when the encoding cannot be loaded.
func tiktokenCounter(model string) TokenCounter {
	enc := sync.OnceValue(func() *tiktoken.Tiktoken {
		name := "cl100k_base"
		lower := strings.ToLower(model)
		if e, ok := tiktoken.MODEL_TO_ENCODING[lower]; ok {
			name = e
		} else {
			for prefix, e := range modelToEncoding {
				if strings.Contains(lower, prefix) {
					name = e
					break
				}
			}
		}
		tk, err := tiktoken.GetEncoding(name)
		if err != nil {
			log.Printf("⚠️  Token estimation for %q falls back to chars/4: %v", model, err)
			return nil
		}
		return tk
	})
	return func(text string) int {
		if tk := enc(); tk != nil {
			return len(tk.Encode(text, nil, nil))
		}
		return ApproxTokens(text)
	}
}

// ApproxTokens is the chars/4 estimate
func ApproxTokens(text string) int {
	return (len(text) + 3) / 4
}
