//go:build whisper

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-dictate/internal/model"
)

func init() {
	Register("whisper", func(Options) (Pipeline, error) { return &whisperPipeline{}, nil })
}

// whisperPipeline keeps one whisper.cpp model resident and creates a fresh
// context per transcription.
type whisperPipeline struct {
	mu       sync.Mutex
	model    whisper.Model
	language string
}

func (p *whisperPipeline) Load(_ context.Context, req LoadRequest, progress ProgressFunc) error {
	progress("resolve", 0)
	assets, err := model.Open(req.ModelPath)
	if err != nil {
		return err
	}
	progress("weights", 10)
	m, err := whisper.New(assets.WeightsPath())
	if err != nil {
		return fmt.Errorf("load whisper model %q: %w", assets.WeightsPath(), err)
	}
	language := req.Language
	if language == "" {
		language = assets.Manifest.Runtime.Language
	}

	p.mu.Lock()
	if p.model != nil {
		p.model.Close()
	}
	p.model = m
	p.language = language
	p.mu.Unlock()
	progress("weights", 100)
	return nil
}

func (p *whisperPipeline) Transcribe(_ context.Context, samples []float32) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return "", ErrNotLoaded
	}
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if p.language != "" && p.model.IsMultilingual() {
		if err := wctx.SetLanguage(p.language); err != nil {
			return "", fmt.Errorf("set language %q: %w", p.language, err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("next segment: %w", err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
	}
	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

func (p *whisperPipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}
