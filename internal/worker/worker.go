package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// ProgressFunc reports model load progress. Percent is in [0, 100].
type ProgressFunc func(stage string, percent float64)

// LoadRequest carries the model location sent with a load message.
type LoadRequest struct {
	ModelPath string
	Language  string
}

// Pipeline is a speech model backend hosted inside a worker.
type Pipeline interface {
	Load(ctx context.Context, req LoadRequest, progress ProgressFunc) error
	Transcribe(ctx context.Context, samples []float32) (string, error)
	Close() error
}

// ErrNotLoaded is returned by pipelines asked to transcribe before a
// successful load.
var ErrNotLoaded = errors.New("model not loaded")

// Serve answers protocol requests read from r on w, one at a time, until r is
// exhausted or ctx is cancelled. The pipeline is closed on return.
func Serve(ctx context.Context, r io.Reader, w io.Writer, p Pipeline, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defer p.Close()

	codec := protocol.NewCodec(r, w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := codec.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var resp protocol.WorkerResponse
		switch req.Kind {
		case protocol.KindLoad:
			logger.Info("loading model", slog.String("model_path", req.ModelPath))
			progress := func(stage string, percent float64) {
				if err := codec.WriteResponse(protocol.WorkerResponse{Kind: protocol.KindProgress, Stage: stage, Percent: percent}); err != nil {
					logger.Warn("failed to report progress", slogError(err))
				}
			}
			if err := p.Load(ctx, LoadRequest{ModelPath: req.ModelPath, Language: req.Language}, progress); err != nil {
				logger.Warn("model load failed", slogError(err))
				resp = protocol.WorkerResponse{Kind: protocol.KindError, Message: err.Error()}
			} else {
				resp = protocol.WorkerResponse{Kind: protocol.KindReady}
			}
		case protocol.KindTranscribe:
			text, err := p.Transcribe(ctx, req.Samples)
			if err != nil {
				logger.Warn("transcription failed", slogError(err))
				resp = protocol.WorkerResponse{Kind: protocol.KindError, Message: err.Error()}
			} else {
				resp = protocol.WorkerResponse{Kind: protocol.KindResult, Text: text}
			}
		default:
			resp = protocol.WorkerResponse{Kind: protocol.KindError, Message: fmt.Sprintf("unknown request kind %q", req.Kind)}
		}
		if err := codec.WriteResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
