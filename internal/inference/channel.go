package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Options configure a Channel.
type Options struct {
	ModelPath string
	Language  string
	Logger    *slog.Logger
	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

// Channel owns one inference worker and drives it through model loading and
// transcription. At most one transcription is outstanding at any time.
type Channel struct {
	spawner   Spawner
	modelPath string
	language  string
	log       *slog.Logger
	metrics   *channelMetrics

	// slot holds a token while a transcription is outstanding.
	slot chan struct{}

	mu       sync.Mutex
	state    State
	lastErr  error
	worker   Worker
	gen      uint64
	load     *loadCall
	pending  *transcribeCall
	watchers map[int]func(StateChange)
	nextID   int
}

type loadCall struct {
	done     chan struct{}
	err      error
	progress []func(Progress)
}

type transcribeCall struct {
	done    chan struct{}
	text    string
	err     error
	started time.Time
	samples int
}

// NewChannel returns an Unloaded channel. No worker is started until Load.
func NewChannel(spawner Spawner, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Channel{
		spawner:   spawner,
		modelPath: opts.ModelPath,
		language:  opts.Language,
		log:       logger.With(slog.String("component", "inference")),
		slot:      make(chan struct{}, 1),
		watchers:  make(map[int]func(StateChange)),
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-dictate/inference")
	}
	metrics, err := newChannelMetrics(meter, c)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = metrics
	return c
}

// State reports the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error behind the most recent transition to Error.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Watch registers fn for state changes and returns a function removing it.
// fn runs on an internal goroutine and must not block.
func (c *Channel) Watch(fn func(StateChange)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Load brings the channel to Ready. It returns nil at once when Ready and
// joins an attempt already in progress. ctx bounds only the caller's wait.
func (c *Channel) Load(ctx context.Context, onProgress func(Progress)) error {
	c.mu.Lock()
	switch c.state {
	case Ready:
		c.mu.Unlock()
		return nil
	case Loading:
		call := c.load
		if onProgress != nil {
			call.progress = append(call.progress, onProgress)
		}
		c.mu.Unlock()
		return c.awaitLoad(ctx, call)
	}

	call := &loadCall{done: make(chan struct{})}
	if onProgress != nil {
		call.progress = append(call.progress, onProgress)
	}
	c.load = call
	old := c.worker
	c.worker = nil
	c.gen++
	gen := c.gen
	notify := c.transitionLocked(Loading, nil)
	c.mu.Unlock()
	notify()

	go c.runLoad(gen, old, call)
	return c.awaitLoad(ctx, call)
}

func (c *Channel) awaitLoad(ctx context.Context, call *loadCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) runLoad(gen uint64, old Worker, call *loadCall) {
	if old != nil {
		if err := old.Close(); err != nil {
			c.log.Warn("failed to close previous worker", slogError(err))
		}
	}

	c.log.Info("starting inference worker", slog.String("model_path", c.modelPath))
	w, err := c.spawner.Spawn(context.Background())
	if err != nil {
		c.failLoad(gen, fmt.Sprintf("start worker: %v", err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = w.Close()
		return
	}
	c.worker = w
	c.mu.Unlock()

	go c.pump(gen, w)

	req := protocol.WorkerRequest{Kind: protocol.KindLoad, ModelPath: c.modelPath, Language: c.language}
	if err := w.Send(req); err != nil {
		c.failLoad(gen, err.Error())
	}
}

// pump delivers worker responses until the worker goes away.
func (c *Channel) pump(gen uint64, w Worker) {
	for {
		resp, err := w.Recv()
		if err != nil {
			c.workerGone(gen, w, err)
			return
		}
		c.dispatch(gen, resp)
	}
}

func (c *Channel) dispatch(gen uint64, resp protocol.WorkerResponse) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	switch resp.Kind {
	case protocol.KindProgress:
		var callbacks []func(Progress)
		if c.state == Loading && c.load != nil {
			callbacks = append(callbacks, c.load.progress...)
		}
		c.mu.Unlock()
		p := Progress{Stage: resp.Stage, Percent: resp.Percent}
		for _, fn := range callbacks {
			fn(p)
		}
		return
	case protocol.KindReady:
		if c.state == Loading && c.load != nil {
			call := c.load
			c.load = nil
			notify := c.transitionLocked(Ready, nil)
			c.mu.Unlock()
			c.log.Info("model ready")
			notify()
			close(call.done)
			return
		}
	case protocol.KindError:
		if c.state == Loading && c.load != nil {
			c.mu.Unlock()
			c.failLoad(gen, resp.Message)
			return
		}
		if c.pending != nil {
			notify := c.settleLocked("", &TranscriptionError{Message: resp.Message}, true)
			c.mu.Unlock()
			notify()
			return
		}
	case protocol.KindResult:
		if c.pending != nil {
			notify := c.settleLocked(resp.Text, nil, false)
			c.mu.Unlock()
			notify()
			return
		}
	}
	c.mu.Unlock()
	c.log.Warn("unexpected worker message", slog.String("kind", string(resp.Kind)))
}

func (c *Channel) failLoad(gen uint64, message string) {
	c.mu.Lock()
	if gen != c.gen || c.load == nil {
		c.mu.Unlock()
		return
	}
	call := c.load
	c.load = nil
	err := &ModelLoadError{Message: message}
	call.err = err
	notify := c.transitionLocked(Error, err)
	c.mu.Unlock()
	c.log.Warn("model load failed", slogError(err))
	notify()
	close(call.done)
}

// workerGone runs when w's response stream ends. A stream can break while
// the process lives on, so w is stopped before anyone hears of the failure.
func (c *Channel) workerGone(gen uint64, w Worker, err error) {
	if cerr := w.Close(); cerr != nil {
		c.log.Warn("failed to stop inference worker", slogError(cerr))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.worker = nil
	switch {
	case c.state == Loading:
		c.mu.Unlock()
		c.failLoad(gen, err.Error())
		return
	case c.pending != nil:
		notify := c.settleLocked("", &TranscriptionError{Message: err.Error()}, true)
		c.mu.Unlock()
		notify()
	case c.state == Ready:
		notify := c.transitionLocked(Error, err)
		c.mu.Unlock()
		notify()
	default:
		c.mu.Unlock()
	}
	c.log.Warn("inference worker exited", slogError(err))
}

// Transcribe sends signal to the worker and waits for its text. Concurrent
// calls queue behind the outstanding one. Abandoning ctx does not free the
// queue before the worker answers.
func (c *Channel) Transcribe(ctx context.Context, signal audio.ConditionedSignal) (string, error) {
	if state := c.State(); state != Ready {
		return "", &NotReadyError{State: state}
	}

	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.mu.Lock()
	if c.state != Ready || c.worker == nil {
		state := c.state
		c.mu.Unlock()
		<-c.slot
		return "", &NotReadyError{State: state}
	}
	call := &transcribeCall{done: make(chan struct{}), started: time.Now(), samples: len(signal.Samples)}
	c.pending = call
	w := c.worker
	gen := c.gen
	c.mu.Unlock()

	if err := w.Send(protocol.WorkerRequest{Kind: protocol.KindTranscribe, Samples: signal.Samples}); err != nil {
		c.mu.Lock()
		if gen == c.gen && c.pending == call {
			notify := c.settleLocked("", &TranscriptionError{Message: err.Error()}, true)
			c.mu.Unlock()
			notify()
		} else {
			c.mu.Unlock()
		}
	}

	select {
	case <-call.done:
		return call.text, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// settleLocked completes the outstanding transcription and frees the slot.
// The caller must hold c.mu and run the returned function after unlocking.
func (c *Channel) settleLocked(text string, err error, fail bool) func() {
	call := c.pending
	c.pending = nil
	call.text = text
	call.err = err
	close(call.done)
	<-c.slot

	c.metrics.recordTranscription(call, err)
	if fail {
		return c.transitionLocked(Error, err)
	}
	return func() {}
}

// transitionLocked moves to state to and returns a function notifying
// watchers. The caller must hold c.mu.
func (c *Channel) transitionLocked(to State, err error) func() {
	change := StateChange{From: c.state, To: to, Err: err, At: time.Now().UTC()}
	c.state = to
	if to == Error {
		c.lastErr = err
	} else if to == Ready {
		c.lastErr = nil
	}
	if change.From == to {
		return func() {}
	}
	watchers := make([]func(StateChange), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	return func() {
		for _, fn := range watchers {
			fn(change)
		}
	}
}

// Close stops the worker and fails any waiter. The channel returns to
// Unloaded and may be loaded again.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.gen++
	w := c.worker
	c.worker = nil
	var notifies []func()
	if c.pending != nil {
		notifies = append(notifies, c.settleLocked("", &TranscriptionError{Message: "channel closed"}, false))
	}
	if call := c.load; call != nil {
		c.load = nil
		call.err = &ModelLoadError{Message: "channel closed"}
		close(call.done)
	}
	notifies = append(notifies, c.transitionLocked(Unloaded, nil))
	c.mu.Unlock()

	for _, notify := range notifies {
		notify()
	}
	if w != nil {
		return w.Close()
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
