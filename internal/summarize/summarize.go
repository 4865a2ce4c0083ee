// Package summarize turns record notes into short summaries.
//
// Lengths are measured in words. A backend is constructed once at process start
// and shared by every worker goroutine.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"note-summarizer/internal/config"
)

const (
	// floorMax is the smallest ceiling ever requested from a backend.
	floorMax = 24
	// capMin bounds the minimum length for long inputs.
	capMin = 16
)

// ErrEmptyResponse is returned when a backend produces no text for a non-empty input.
var ErrEmptyResponse = errors.New("summarizer returned an empty response")

// Bounds are the word-count limits handed to a backend.
type Bounds struct {
	Max int
	Min int
}

// BoundsFor derives limits from the input length so short notes are not padded:
// max = max(24, min(requested, 80% of the input)), min = min(16, max/2).
func BoundsFor(text string, requested int) Bounds {
	words := len(strings.Fields(text))
	ceiling := requested
	if scaled := words * 4 / 5; scaled < ceiling {
		ceiling = scaled
	}
	if ceiling < floorMax {
		ceiling = floorMax
	}
	floor := ceiling / 2
	if floor > capMin {
		floor = capMin
	}
	return Bounds{Max: ceiling, Min: floor}
}

// Summarizer produces a summary of text within the given bounds.
type Summarizer interface {
	Summarize(ctx context.Context, text string, b Bounds) (string, error)
}

// Func adapts a plain function to Summarizer.
type Func func(ctx context.Context, text string, b Bounds) (string, error)

func (f Func) Summarize(ctx context.Context, text string, b Bounds) (string, error) {
	return f(ctx, text, b)
}

// New builds the backend selected by cfg.Summarizer.
func New(ctx context.Context, logger *slog.Logger, cfg config.Config) (Summarizer, error) {
	switch cfg.Summarizer {
	case "", "extractive":
		return NewExtractive(), nil
	case "gemini":
		return NewGemini(ctx, logger, cfg.GeminiAPIKey, cfg.GeminiModel)
	default:
		return nil, fmt.Errorf("unknown summarizer %q", cfg.Summarizer)
	}
}

// Truncate cuts text to at most n words, collapsing whitespace.
func Truncate(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// IsBlank reports whether text has no words at all.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
