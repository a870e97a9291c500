package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/model"
)

type mockPipeline struct {
	mu     sync.Mutex
	loaded bool
}

// NewMockPipeline returns a pipeline that describes its input instead of
// recognizing it. Silent input yields empty text. A model path, when given,
// must still point at a valid bundle.
func NewMockPipeline() Pipeline {
	return &mockPipeline{}
}

func (m *mockPipeline) Load(_ context.Context, req LoadRequest, progress ProgressFunc) error {
	progress("resolve", 0)
	if req.ModelPath != "" {
		if _, err := model.Open(req.ModelPath); err != nil {
			return err
		}
	}
	progress("resolve", 50)
	progress("initialize", 100)
	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()
	return nil
}

func (m *mockPipeline) Transcribe(_ context.Context, samples []float32) (string, error) {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if !loaded {
		return "", ErrNotLoaded
	}
	sig := audio.ConditionedSignal{Samples: samples}
	if sig.Peak() < audio.SilenceThreshold {
		return "", nil
	}
	return fmt.Sprintf("[transcript duration=%.2fs samples=%d]", sig.Duration(), len(samples)), nil
}

func (m *mockPipeline) Close() error { return nil }
