package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/inference"
	"github.com/loqalabs/loqa-dictate/internal/worker"
)

// NewConditioner returns the WAV conditioner, falling back to the external
// decoder for every other container when one is configured.
func NewConditioner(cfg config.ConditionerConfig) (*audio.Conditioner, error) {
	c := audio.NewConditioner()
	if cfg.DecoderCommand == "" {
		return c, nil
	}
	dec, err := audio.NewExecDecoder(cfg.DecoderCommand)
	if err != nil {
		return nil, err
	}
	c.SetFallback(dec)
	return c, nil
}

// NewSpawner selects where inference workers run. The returned close
// function releases spawner-wide resources.
func NewSpawner(ctx context.Context, cfg config.InferenceConfig, logger *slog.Logger) (inference.Spawner, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Mode {
	case "local":
		return &inference.LocalSpawner{
			Backend: cfg.Backend,
			Options: worker.Options{Recognizer: cfg.Recognizer, Logger: logger},
			Logger:  logger,
		}, noop, nil
	case "exec":
		s, err := inference.NewExecSpawner(cfg.Command, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case "wasm":
		dir, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve working directory: %w", err)
		}
		s, err := inference.NewWasmSpawner(ctx, cfg.Module, dir, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown inference mode %q", cfg.Mode)
	}
}
