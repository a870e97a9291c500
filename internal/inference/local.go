package inference

import (
	"context"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/worker"
)

// LocalSpawner runs the worker loop on a goroutine inside this process. The
// channel still reaches it only through the message pipes.
type LocalSpawner struct {
	Backend string
	Options worker.Options
	Logger  *slog.Logger
}

func (s *LocalSpawner) Spawn(context.Context) (Worker, error) {
	pipeline, err := worker.New(s.Backend, s.Options)
	if err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	w := newPipeWorker(reqW, respR, func() {
		cancel()
		_ = reqR.Close()
		_ = respW.Close()
	})
	go func() {
		defer cancel()
		err := worker.Serve(ctx, reqR, respW, pipeline, logger.With(slog.String("component", "worker"), slog.String("backend", s.Backend)))
		_ = respW.Close()
		_ = reqR.Close()
		w.exited(err)
	}()
	return w, nil
}
