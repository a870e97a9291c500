package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Worker is the channel's view of an isolated inference worker. Requests and
// responses are the only things exchanged with it.
type Worker interface {
	Send(req protocol.WorkerRequest) error
	// Recv blocks for the next response. An error means the worker is gone.
	Recv() (protocol.WorkerResponse, error)
	Close() error
}

// Spawner starts workers. Each call must yield a fresh, independent worker.
type Spawner interface {
	Spawn(ctx context.Context) (Worker, error)
}

const closeGrace = 2 * time.Second

// pipeWorker speaks the JSON lines protocol over a pair of byte streams. The
// spawner reports the worker's exit through exited.
type pipeWorker struct {
	codec  *protocol.Codec
	stdin  io.Closer
	kill   func()
	done   chan struct{}
	once   sync.Once
	exitMu sync.Mutex
	exit   error
}

func newPipeWorker(stdin io.WriteCloser, stdout io.Reader, kill func()) *pipeWorker {
	return &pipeWorker{
		codec: protocol.NewCodec(stdout, stdin),
		stdin: stdin,
		kill:  kill,
		done:  make(chan struct{}),
	}
}

func (w *pipeWorker) exited(err error) {
	w.exitMu.Lock()
	w.exit = err
	w.exitMu.Unlock()
	close(w.done)
}

func (w *pipeWorker) exitErr() error {
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	return w.exit
}

func (w *pipeWorker) Send(req protocol.WorkerRequest) error {
	if err := w.codec.WriteRequest(req); err != nil {
		select {
		case <-w.done:
			if exit := w.exitErr(); exit != nil {
				return fmt.Errorf("worker exited: %w", exit)
			}
		case <-time.After(closeGrace):
		}
		return fmt.Errorf("send %s: %w", req.Kind, err)
	}
	return nil
}

func (w *pipeWorker) Recv() (protocol.WorkerResponse, error) {
	resp, err := w.codec.ReadResponse()
	if err == nil {
		return resp, nil
	}
	select {
	case <-w.done:
		if exit := w.exitErr(); exit != nil {
			return resp, fmt.Errorf("worker exited: %w", exit)
		}
	case <-time.After(closeGrace):
	}
	if errors.Is(err, io.EOF) {
		return resp, errors.New("worker exited")
	}
	return resp, fmt.Errorf("read worker response: %w", err)
}

// Close ends the worker's input and kills it if it does not exit in time.
func (w *pipeWorker) Close() error {
	w.once.Do(func() {
		_ = w.stdin.Close()
		select {
		case <-w.done:
		case <-time.After(closeGrace):
			if w.kill != nil {
				w.kill()
			}
			<-w.done
		}
	})
	return nil
}

// tailBuffer keeps the last max bytes written, for reporting worker stderr.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
