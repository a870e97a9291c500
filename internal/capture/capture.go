package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// ErrStopped is returned by a second Stop on the same recording.
var ErrStopped = errors.New("recording already stopped")

// Recorder opens recording sessions on a microphone.
type Recorder interface {
	Start(ctx context.Context) (Recording, error)
}

// Recording is one open session. Stop ends it and returns the complete
// encoded recording exactly once.
type Recording interface {
	Stop() (audio.EncodedAudioBuffer, error)
}

// newPortAudioRecorder is set by builds with the portaudio tag.
var newPortAudioRecorder func(cfg config.CaptureConfig) (Recorder, error)

// New builds the recorder selected by cfg.Mode.
func New(cfg config.CaptureConfig) (Recorder, error) {
	switch cfg.Mode {
	case "exec", "":
		return NewExecRecorder(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "portaudio":
		if newPortAudioRecorder == nil {
			return nil, errors.New("portaudio capture not compiled in (build with -tags portaudio)")
		}
		return newPortAudioRecorder(cfg)
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}
