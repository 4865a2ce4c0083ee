package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const systemPrompt = "You summarize CRM notes for sales agents. Reply with the summary only, as plain prose, " +
	"without a preamble, headings or bullet points."

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini summarizes with a Gemini model. One attempt per call, no retries.
type Gemini struct {
	logger *slog.Logger
	models contentGenerator
	model  string
}

func NewGemini(ctx context.Context, logger *slog.Logger, apiKey, model string) (*Gemini, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("gemini model cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGemini(logger, client.Models, model), nil
}

func newGemini(logger *slog.Logger, models contentGenerator, model string) *Gemini {
	return &Gemini{
		logger: logger.With("component", "summarizer", "backend", "gemini"),
		models: models,
		model:  model,
	}
}

func (g *Gemini) Summarize(ctx context.Context, text string, b Bounds) (string, error) {
	if IsBlank(text) {
		return "", nil
	}

	prompt := fmt.Sprintf("Summarize the following notes in %d to %d words.\n\n%s", b.Min, b.Max, text)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		// Roughly two tokens per word leaves room for tokenization overhead.
		MaxOutputTokens: int32(b.Max * 2),
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", errors.New("gemini blocked the content by safety filters")
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", ErrEmptyResponse
	}
	if n := len(strings.Fields(summary)); n > b.Max {
		g.logger.DebugContext(ctx, "summary truncated", "event", "summary_truncated", "words", n, "max_words", b.Max)
		summary = Truncate(summary, b.Max)
	}
	return summary, nil
}
