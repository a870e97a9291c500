//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

func init() {
	newPortAudioRecorder = func(cfg config.CaptureConfig) (Recorder, error) {
		if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
			return nil, fmt.Errorf("invalid capture format: rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
		}
		return &portAudioRecorder{sampleRate: cfg.SampleRate, channels: cfg.Channels}, nil
	}
}

const framesPerBuffer = 1024

type portAudioRecorder struct {
	sampleRate int
	channels   int
}

func (r *portAudioRecorder) Start(ctx context.Context) (Recording, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	in := make([]int16, framesPerBuffer*r.channels)
	stream, err := portaudio.OpenDefaultStream(r.channels, 0, float64(r.sampleRate), framesPerBuffer, in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	rec := &portAudioRecording{
		recorder: r,
		stream:   stream,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go rec.read(ctx, in)
	return rec, nil
}

type portAudioRecording struct {
	recorder *portAudioRecorder
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	frames  []int16
	readErr error
	stopped bool
}

func (r *portAudioRecording) read(ctx context.Context, in []int16) {
	defer close(r.done)
	for ctx.Err() == nil {
		if err := r.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				continue
			}
			r.mu.Lock()
			r.readErr = err
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		r.frames = append(r.frames, in...)
		r.mu.Unlock()
	}
}

func (r *portAudioRecording) Stop() (audio.EncodedAudioBuffer, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return audio.EncodedAudioBuffer{}, ErrStopped
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	<-r.done
	_ = r.stream.Stop()
	_ = r.stream.Close()
	portaudio.Terminate()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return audio.EncodedAudioBuffer{}, fmt.Errorf("stream read: %w", r.readErr)
	}
	return EncodeInt16(r.frames, r.recorder.sampleRate, r.recorder.channels)
}
