package remediation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"codeheal/internal/config"
	apperrors "codeheal/internal/errors"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/generative-ai-go/genai"
	gollm "github.com/guiperry/gollm_cerebras"
	gollmcfg "github.com/guiperry/gollm_cerebras/config"
	"github.com/guiperry/gollm_cerebras/llm"
	"google.golang.org/api/option"
)

// AnthropicCompleter calls the Messages API
type AnthropicCompleter struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicCompleter creates a completer for model
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	opts := []anthropicopt.RequestOption{}
	if apiKey != "" {
		opts = append(opts, anthropicopt.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &AnthropicCompleter{api: &client, model: anthropic.Model(model), maxTokens: 4096}
}

func (a *AnthropicCompleter) Name() string { return "anthropic" }

func (a *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in API response")
}

// GeminiCompleter calls the Gemini generateContent API
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

// NewGeminiCompleter creates a completer for model
func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiCompleter{client: client, model: model}, nil
}

func (g *GeminiCompleter) Name() string { return "gemini" }

func (g *GeminiCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	m := g.client.GenerativeModel(g.model)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	m.ResponseMIMEType = "application/json"

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini API call: %w", err)
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no text content in API response")
	}
	return sb.String(), nil
}

// Close releases the gRPC connection
func (g *GeminiCompleter) Close() error { return g.client.Close() }

// promptModel is the part of a gollm model the cerebras completer uses
type promptModel interface {
	Generate(ctx context.Context, prompt *llm.Prompt, opts ...llm.GenerateOption) (string, error)
}

// CerebrasCompleter calls Cerebras through gollm
type CerebrasCompleter struct {
	model promptModel
}

// NewCerebrasCompleter creates a completer for model
func NewCerebrasCompleter(apiKey, model string) (*CerebrasCompleter, error) {
	if model == "" {
		model = "llama-4-scout-17b-16e-instruct"
	}
	instance, err := gollm.NewLLM(
		gollmcfg.SetProvider("cerebras"),
		gollmcfg.SetAPIKey(apiKey),
		gollmcfg.SetModel(model),
		gollmcfg.SetMaxTokens(4000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cerebras client: %w", err)
	}
	m, ok := instance.(llm.LLM)
	if !ok {
		return nil, fmt.Errorf("cerebras model %s is not an llm.LLM", model)
	}
	return &CerebrasCompleter{model: m}, nil
}

func (c *CerebrasCompleter) Name() string { return "cerebras" }

// Complete sends the system text ahead of the prompt in a single turn
func (c *CerebrasCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	text := prompt
	if system != "" {
		text = system + "\n\n" + prompt
	}
	out, err := c.model.Generate(ctx, llm.NewPrompt(text))
	if err != nil {
		return "", fmt.Errorf("cerebras API call: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("no text content in API response")
	}
	return out, nil
}

// NewCompleter picks the configured provider. With no explicit choice the
// first provider that has a key wins.
func NewCompleter(ctx context.Context, cfg config.AIProviderConfig) (Completer, string, error) {
	provider := strings.ToLower(cfg.FixProvider)
	if provider == "" {
		switch {
		case cfg.Anthropic.APIKey != "":
			provider = "anthropic"
		case cfg.Gemini.APIKey != "":
			provider = "gemini"
		case cfg.Cerebras.APIKey != "":
			provider = "cerebras"
		}
	}

	switch provider {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			break
		}
		log.Printf("🧠 Fix generator: anthropic (%s)", cfg.Anthropic.Model)
		return NewAnthropicCompleter(cfg.Anthropic.APIKey, cfg.Anthropic.Model), cfg.Anthropic.Model, nil
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			break
		}
		c, err := NewGeminiCompleter(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, "", err
		}
		log.Printf("🧠 Fix generator: gemini (%s)", cfg.Gemini.Model)
		return c, cfg.Gemini.Model, nil
	case "cerebras":
		if cfg.Cerebras.APIKey == "" {
			break
		}
		c, err := NewCerebrasCompleter(cfg.Cerebras.APIKey, cfg.Cerebras.Model)
		if err != nil {
			return nil, "", err
		}
		log.Printf("🧠 Fix generator: cerebras (%s)", cfg.Cerebras.Model)
		return c, cfg.Cerebras.Model, nil
	}
	return nil, "", fmt.Errorf("%w: no API key for provider %q", apperrors.ErrGeneratorUnavailable, provider)
}
