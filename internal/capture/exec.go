package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/mattn/go-shellwords"
)

const stopGrace = 2 * time.Second

type execRecorder struct {
	cmd        []string
	sampleRate int
	channels   int
}

// NewExecRecorder runs a capture command that writes raw s16le PCM at
// sampleRate/channels on stdout until interrupted.
func NewExecRecorder(command string, sampleRate, channels int) (Recorder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid capture format: rate=%d channels=%d", sampleRate, channels)
	}
	return &execRecorder{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (r *execRecorder) Start(ctx context.Context) (Recording, error) {
	cmd := exec.Command(r.cmd[0], r.cmd[1:]...)
	rec := &execRecording{cmd: cmd, sampleRate: r.sampleRate, channels: r.channels, done: make(chan struct{})}
	cmd.Stdout = &rec.pcm
	cmd.Stderr = &rec.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	go func() {
		rec.waitErr = cmd.Wait()
		close(rec.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			rec.interrupt()
		case <-rec.done:
		}
	}()
	return rec, nil
}

type execRecording struct {
	cmd        *exec.Cmd
	sampleRate int
	channels   int
	pcm        lockedBuffer
	stderr     lockedBuffer
	done       chan struct{}
	waitErr    error

	mu          sync.Mutex
	stopped     bool
	interrupted bool
}

func (r *execRecording) interrupt() {
	r.mu.Lock()
	r.interrupted = true
	r.mu.Unlock()
	if runtime.GOOS == "windows" {
		_ = r.cmd.Process.Kill()
		return
	}
	_ = r.cmd.Process.Signal(os.Interrupt)
}

// Stop interrupts the capture command and wraps everything it wrote.
func (r *execRecording) Stop() (audio.EncodedAudioBuffer, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return audio.EncodedAudioBuffer{}, ErrStopped
	}
	r.stopped = true
	r.mu.Unlock()

	select {
	case <-r.done:
	default:
		r.interrupt()
		select {
		case <-r.done:
		case <-time.After(stopGrace):
			_ = r.cmd.Process.Kill()
			<-r.done
		}
	}

	r.mu.Lock()
	interrupted := r.interrupted
	r.mu.Unlock()
	if r.waitErr != nil && !interrupted {
		return audio.EncodedAudioBuffer{}, fmt.Errorf("capture command failed: %w: %s", r.waitErr, strings.TrimSpace(r.stderr.String()))
	}
	pcm := r.pcm.Bytes()
	if len(pcm) == 0 {
		return audio.EncodedAudioBuffer{}, errors.New("capture produced no audio")
	}
	frame := 2 * r.channels
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	return EncodePCM16(pcm, r.sampleRate, r.channels)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *lockedBuffer) String() string {
	return string(b.Bytes())
}
