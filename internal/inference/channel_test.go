package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

type fakeWorker struct {
	reqs   chan protocol.WorkerRequest
	resps  chan protocol.WorkerResponse
	broken chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		reqs:   make(chan protocol.WorkerRequest, 4),
		resps:  make(chan protocol.WorkerResponse, 4),
		broken: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (w *fakeWorker) Send(req protocol.WorkerRequest) error {
	select {
	case w.reqs <- req:
		return nil
	case <-w.closed:
		return errors.New("worker closed")
	}
}

func (w *fakeWorker) Recv() (protocol.WorkerResponse, error) {
	select {
	case resp := <-w.resps:
		return resp, nil
	case err := <-w.broken:
		return protocol.WorkerResponse{}, err
	case <-w.closed:
		return protocol.WorkerResponse{}, errors.New("worker exited")
	}
}

func (w *fakeWorker) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWorker) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func (w *fakeWorker) expect(t *testing.T, kind protocol.Kind) protocol.WorkerRequest {
	t.Helper()
	select {
	case req := <-w.reqs:
		if req.Kind != kind {
			t.Fatalf("expected %s request, got %s", kind, req.Kind)
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s request", kind)
	}
	return protocol.WorkerRequest{}
}

func (w *fakeWorker) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case req := <-w.reqs:
		t.Fatalf("unexpected %s request while another is outstanding", req.Kind)
	case <-time.After(wait):
	}
}

type fakeSpawner struct {
	spawns  atomic.Int32
	workers chan *fakeWorker
	err     error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{workers: make(chan *fakeWorker, 4)}
}

func (s *fakeSpawner) Spawn(context.Context) (Worker, error) {
	s.spawns.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	w := newFakeWorker()
	s.workers <- w
	return w, nil
}

func (s *fakeSpawner) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case w := <-s.workers:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for spawn")
	}
	return nil
}

func result[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	var zero T
	return zero
}

// loadReady drives a channel to Ready and returns its worker.
func loadReady(t *testing.T, c *Channel, s *fakeSpawner) *fakeWorker {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), nil) }()
	w := s.next(t)
	w.expect(t, protocol.KindLoad)
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindReady}
	if err := result(t, done); err != nil {
		t.Fatalf("load: %v", err)
	}
	return w
}

type transcribeOutcome struct {
	text string
	err  error
}

func transcribeAsync(ctx context.Context, c *Channel, samples []float32) <-chan transcribeOutcome {
	out := make(chan transcribeOutcome, 1)
	go func() {
		text, err := c.Transcribe(ctx, audio.ConditionedSignal{Samples: samples})
		out <- transcribeOutcome{text: text, err: err}
	}()
	return out
}

func TestTranscribeBeforeLoadIsNotReady(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	_, err := c.Transcribe(context.Background(), audio.ConditionedSignal{Samples: []float32{0.1}})
	var nre *NotReadyError
	if !errors.As(err, &nre) || nre.State != Unloaded {
		t.Fatalf("expected NotReadyError in unloaded state, got %v", err)
	}
	if s.spawns.Load() != 0 {
		t.Fatal("transcribe must not start a worker")
	}
}

func TestLoadSendsModelAndReportsProgress(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{ModelPath: "/models/base", Language: "en"})

	var mu sync.Mutex
	var got []Progress
	done := make(chan error, 1)
	go func() {
		done <- c.Load(context.Background(), func(p Progress) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		})
	}()

	w := s.next(t)
	req := w.expect(t, protocol.KindLoad)
	if req.ModelPath != "/models/base" || req.Language != "en" {
		t.Fatalf("unexpected load request %+v", req)
	}
	if c.State() != Loading {
		t.Fatalf("expected loading, got %s", c.State())
	}
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindProgress, Stage: "weights", Percent: 40}
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindProgress, Stage: "weights", Percent: 100}
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindReady}
	if err := result(t, done); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("expected ready, got %s", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Percent != 40 || got[1].Percent != 100 {
		t.Fatalf("unexpected progress %+v", got)
	}
}

func TestConcurrentLoadsSpawnOnce(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})

	const callers = 5
	first := make(chan error, 1)
	go func() { first <- c.Load(context.Background(), nil) }()
	w := s.next(t)
	w.expect(t, protocol.KindLoad)

	done := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { done <- c.Load(context.Background(), nil) }()
	}
	// Joiners are parked on the same attempt until the worker answers.
	time.Sleep(20 * time.Millisecond)
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindReady}

	if err := result(t, first); err != nil {
		t.Fatalf("first load: %v", err)
	}
	for i := 0; i < callers; i++ {
		if err := result(t, done); err != nil {
			t.Fatalf("joined load: %v", err)
		}
	}
	if n := s.spawns.Load(); n != 1 {
		t.Fatalf("expected one spawn, got %d", n)
	}
	if err := c.Load(context.Background(), nil); err != nil {
		t.Fatalf("load when ready: %v", err)
	}
	if n := s.spawns.Load(); n != 1 {
		t.Fatalf("load when ready must not spawn, got %d spawns", n)
	}
}

func TestLoadErrorMovesToError(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), nil) }()
	w := s.next(t)
	w.expect(t, protocol.KindLoad)
	const message = "model assets missing under ./models/base: ggml-base.bin"
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindError, Message: message}

	err := result(t, done)
	var mle *ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if mle.Message != message {
		t.Fatalf("expected verbatim message, got %q", mle.Message)
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}
	if !errors.Is(c.LastError(), err) {
		t.Fatalf("expected last error recorded, got %v", c.LastError())
	}
	_, err = c.Transcribe(context.Background(), audio.ConditionedSignal{Samples: []float32{0.5}})
	var nre *NotReadyError
	if !errors.As(err, &nre) || nre.State != Error {
		t.Fatalf("expected NotReadyError in error state, got %v", err)
	}
}

func TestSpawnFailureIsModelLoadError(t *testing.T) {
	s := newFakeSpawner()
	s.err = errors.New("exec: \"dictate-worker\": executable file not found in $PATH")
	c := NewChannel(s, Options{})
	err := c.Load(context.Background(), nil)
	var mle *ModelLoadError
	if !errors.As(err, &mle) || !strings.Contains(mle.Message, "executable file not found") {
		t.Fatalf("expected ModelLoadError from spawn failure, got %v", err)
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}
}

func TestWorkerExitDuringLoad(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), nil) }()
	w := s.next(t)
	w.expect(t, protocol.KindLoad)
	w.Close()

	var mle *ModelLoadError
	if err := result(t, done); !errors.As(err, &mle) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
}

func TestLoadRetriesFromError(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), nil) }()
	first := s.next(t)
	first.expect(t, protocol.KindLoad)
	first.resps <- protocol.WorkerResponse{Kind: protocol.KindError, Message: "out of memory"}
	if err := result(t, done); err == nil {
		t.Fatal("expected first load to fail")
	}

	loadReady(t, c, s)
	if c.State() != Ready {
		t.Fatalf("expected ready after retry, got %s", c.State())
	}
	if !first.isClosed() {
		t.Fatal("expected failed worker torn down before respawn")
	}
	if n := s.spawns.Load(); n != 2 {
		t.Fatalf("expected two spawns, got %d", n)
	}
}

func TestLoadCallerContextBoundsOnlyTheWait(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Load(ctx, nil) }()
	w := s.next(t)
	w.expect(t, protocol.KindLoad)
	cancel()
	if err := result(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.State() != Loading {
		t.Fatalf("load should continue, got %s", c.State())
	}
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindReady}
	if err := c.Load(context.Background(), nil); err != nil {
		t.Fatalf("joined load: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("expected ready, got %s", c.State())
	}
}

func TestTranscribeReturnsWorkerText(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	w := loadReady(t, c, s)

	out := transcribeAsync(context.Background(), c, []float32{0.25, -0.5})
	req := w.expect(t, protocol.KindTranscribe)
	if len(req.Samples) != 2 || req.Samples[1] != -0.5 {
		t.Fatalf("unexpected samples %v", req.Samples)
	}
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindResult, Text: "hello there"}
	got := result(t, out)
	if got.err != nil || got.text != "hello there" {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if c.State() != Ready {
		t.Fatalf("expected ready after transcription, got %s", c.State())
	}
}

func TestTranscriptionsNeverInterleave(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	w := loadReady(t, c, s)

	a := transcribeAsync(context.Background(), c, []float32{0.1})
	w.expect(t, protocol.KindTranscribe)
	b := transcribeAsync(context.Background(), c, []float32{0.2})
	w.expectNone(t, 50*time.Millisecond)

	w.resps <- protocol.WorkerResponse{Kind: protocol.KindResult, Text: "first"}
	if got := result(t, a); got.err != nil || got.text != "first" {
		t.Fatalf("unexpected first outcome %+v", got)
	}
	req := w.expect(t, protocol.KindTranscribe)
	if req.Samples[0] != 0.2 {
		t.Fatalf("expected queued request, got %v", req.Samples)
	}
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindResult, Text: "second"}
	if got := result(t, b); got.err != nil || got.text != "second" {
		t.Fatalf("unexpected second outcome %+v", got)
	}
}

func TestAbandonedTranscriptionHoldsQueue(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	w := loadReady(t, c, s)

	ctx, cancel := context.WithCancel(context.Background())
	a := transcribeAsync(ctx, c, []float32{0.1})
	w.expect(t, protocol.KindTranscribe)
	cancel()
	if got := result(t, a); !errors.Is(got.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %+v", got)
	}

	b := transcribeAsync(context.Background(), c, []float32{0.2})
	w.expectNone(t, 50*time.Millisecond)
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindResult, Text: "late"}
	w.expect(t, protocol.KindTranscribe)
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindResult, Text: "second"}
	if got := result(t, b); got.text != "second" {
		t.Fatalf("expected second result, got %+v", got)
	}
}

func TestTranscriptionErrorMovesToError(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	w := loadReady(t, c, s)

	out := transcribeAsync(context.Background(), c, []float32{0.1})
	w.expect(t, protocol.KindTranscribe)
	w.resps <- protocol.WorkerResponse{Kind: protocol.KindError, Message: "decoder crashed"}
	got := result(t, out)
	var te *TranscriptionError
	if !errors.As(got.err, &te) || te.Message != "decoder crashed" {
		t.Fatalf("expected TranscriptionError, got %+v", got)
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}

	loadReady(t, c, s)
	if !w.isClosed() {
		t.Fatal("expected previous worker closed on reload")
	}
}

func TestWorkerExitWhileReadyMovesToError(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	changes := make(chan StateChange, 8)
	c.Watch(func(ch StateChange) { changes <- ch })
	w := loadReady(t, c, s)

	w.Close()
	for {
		ch := result(t, changes)
		if ch.To == Error {
			if ch.From != Ready || ch.Err == nil {
				t.Fatalf("unexpected change %+v", ch)
			}
			return
		}
	}
}

func TestWatchObservesTransitions(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	var mu sync.Mutex
	var seen []string
	stop := c.Watch(func(ch StateChange) {
		mu.Lock()
		seen = append(seen, ch.From.String()+">"+ch.To.String())
		mu.Unlock()
	})
	loadReady(t, c, s)
	stop()
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "unloaded>loading,loading>ready" {
		t.Fatalf("unexpected transitions %v", seen)
	}
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	w := loadReady(t, c, s)
	out := transcribeAsync(context.Background(), c, []float32{0.1})
	w.expect(t, protocol.KindTranscribe)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var te *TranscriptionError
	if got := result(t, out); !errors.As(got.err, &te) {
		t.Fatalf("expected TranscriptionError, got %+v", got)
	}
	if c.State() != Unloaded {
		t.Fatalf("expected unloaded after close, got %s", c.State())
	}
	if !w.isClosed() {
		t.Fatal("expected worker closed")
	}
}

func TestBrokenStreamDuringLoadStopsWorker(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), nil) }()
	w := s.next(t)
	w.expect(t, protocol.KindLoad)
	w.broken <- errors.New("read worker response: invalid character 'g' looking for beginning of value")

	err := result(t, done)
	var mle *ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if !w.isClosed() {
		t.Fatal("worker with a broken stream must be stopped before the load fails")
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}

	go func() { done <- c.Load(context.Background(), nil) }()
	retry := s.next(t)
	retry.expect(t, protocol.KindLoad)
	retry.resps <- protocol.WorkerResponse{Kind: protocol.KindReady}
	if err := result(t, done); err != nil {
		t.Fatalf("retry load: %v", err)
	}
	if s.spawns.Load() != 2 {
		t.Fatalf("expected 2 spawns, got %d", s.spawns.Load())
	}
	c.Close()
	if !retry.isClosed() {
		t.Fatal("close must stop the current worker")
	}
}

func TestBrokenStreamDuringTranscriptionStopsWorker(t *testing.T) {
	s := newFakeSpawner()
	c := NewChannel(s, Options{})
	w := loadReady(t, c, s)

	out := transcribeAsync(context.Background(), c, []float32{0.2, 0.4})
	w.expect(t, protocol.KindTranscribe)
	w.broken <- errors.New("read worker response: invalid character 'w'")

	got := result(t, out)
	var te *TranscriptionError
	if !errors.As(got.err, &te) {
		t.Fatalf("expected TranscriptionError, got %v", got.err)
	}
	if !w.isClosed() {
		t.Fatal("worker with a broken stream must be stopped")
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}
}
