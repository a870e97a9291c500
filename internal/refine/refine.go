package refine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Refiner rewrites a transcript according to an instruction.
type Refiner interface {
	Refine(ctx context.Context, text, instruction string) (string, error)
}

// Outcome is the result of RefineOrKeep.
type Outcome struct {
	// Text is the refined transcript, or the verbatim one when refinement
	// failed or produced nothing.
	Text    string
	Refined bool
	// Err is the refinement failure, if any. Text is still usable.
	Err error
}

// RefineOrKeep asks r to refine text and falls back to the verbatim text on
// any failure. It never loses the transcript.
func RefineOrKeep(ctx context.Context, r Refiner, text, instruction string) Outcome {
	if r == nil {
		return Outcome{Text: text}
	}
	refined, err := r.Refine(ctx, text, instruction)
	if err != nil {
		return Outcome{Text: text, Err: err}
	}
	refined = strings.TrimSpace(refined)
	if refined == "" {
		return Outcome{Text: text, Err: fmt.Errorf("refiner returned empty text")}
	}
	return Outcome{Text: refined, Refined: true}
}

// New builds the refiner selected by cfg.Mode.
func New(cfg config.RefineConfig) (Refiner, error) {
	var r Refiner
	switch cfg.Mode {
	case "mock", "":
		r = NewMockRefiner()
	case "ollama":
		r = NewOllamaRefiner(cfg.Endpoint, cfg.Model, cfg.MaxTokens, cfg.Temperature)
	case "openai":
		var err error
		r, err = NewOpenAIRefiner(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
	case "exec":
		var err error
		r, err = NewExecRefiner(cfg.Command)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported refine mode %q", cfg.Mode)
	}
	if cfg.TimeoutMS > 0 {
		r = withTimeout{next: r, timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return r, nil
}

type withTimeout struct {
	next    Refiner
	timeout time.Duration
}

func (w withTimeout) Refine(ctx context.Context, text, instruction string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.next.Refine(ctx, text, instruction)
}

func systemPrompt(instruction string) string {
	instruction = strings.TrimSpace(instruction)
	base := "You rewrite dictated text. Reply with the rewritten text only."
	if instruction == "" {
		return base
	}
	return base + " " + instruction
}
