package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/inference"
	"github.com/loqalabs/loqa-dictate/internal/refine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoSpeech is returned when the model produced no text for a recording.
var ErrNoSpeech = errors.New("no speech detected")

// Conditioner turns an encoded recording into model input.
type Conditioner interface {
	Condition(ctx context.Context, buf audio.EncodedAudioBuffer) (audio.ConditionedSignal, error)
}

// Channel is the inference side of a dictation.
type Channel interface {
	Load(ctx context.Context, onProgress func(inference.Progress)) error
	Transcribe(ctx context.Context, signal audio.ConditionedSignal) (string, error)
}

// History records finished dictations.
type History interface {
	RecordSession(ctx context.Context, sess history.Session) error
	AppendEvent(ctx context.Context, evt history.Event) error
}

// Publisher broadcasts results. A nil Publisher disables broadcasting.
type Publisher interface {
	PublishTranscript(res Result) error
}

// Request is one recording to transcribe.
type Request struct {
	SessionID   string
	Source      string
	Audio       audio.EncodedAudioBuffer
	Refine      bool
	Instruction string
}

// Result is a finished dictation.
type Result struct {
	SessionID  string        `json:"session_id"`
	Transcript string        `json:"transcript"`
	Refined    string        `json:"refined,omitempty"`
	RefineErr  string        `json:"refine_error,omitempty"`
	Duration   time.Duration `json:"-"`
	Elapsed    time.Duration `json:"-"`
}

// Text returns the refined transcript when there is one and the verbatim
// transcript otherwise.
func (r Result) Text() string {
	if r.Refined != "" {
		return r.Refined
	}
	return r.Transcript
}

// Deps are the collaborators of a Service. Conditioner and Channel are
// required.
type Deps struct {
	Conditioner Conditioner
	Channel     Channel
	Refiner     refine.Refiner
	History     History
	Publisher   Publisher
	Logger      *slog.Logger
}

// Service runs recordings through conditioning, transcription, optional
// refinement and history.
type Service struct {
	cfg         config.DictationConfig
	instruction string
	conditioner Conditioner
	channel     Channel
	refiner     refine.Refiner
	history     History
	publisher   Publisher
	logger      *slog.Logger
	tracer      trace.Tracer

	mu        sync.Mutex
	listeners map[int]func(Result)
	nextID    int
}

// NewService wires a Service. instruction is the default refinement
// instruction used when a request carries none.
func NewService(cfg config.DictationConfig, instruction string, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		cfg:         cfg,
		instruction: instruction,
		conditioner: deps.Conditioner,
		channel:     deps.Channel,
		refiner:     deps.Refiner,
		history:     deps.History,
		publisher:   deps.Publisher,
		logger:      logger.With(slog.String("component", "dictation")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-dictate/dictation"),
		listeners:   make(map[int]func(Result)),
	}
}

// OnResult registers fn to be called after every successful dictation and
// returns a function removing it.
func (s *Service) OnResult(fn func(Result)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Preload loads the model, logging progress and forwarding it to onProgress
// when set.
func (s *Service) Preload(ctx context.Context, onProgress func(inference.Progress)) error {
	s.logger.Info("preloading model")
	return s.channel.Load(ctx, func(p inference.Progress) {
		s.logger.Debug("model load progress", slog.String("stage", p.Stage), slog.Float64("percent", p.Percent))
		if onProgress != nil {
			onProgress(p)
		}
	})
}

// Dictate transcribes one recording. Refinement failures never fail the
// dictation; the verbatim transcript is returned with RefineErr set.
func (s *Service) Dictate(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = s.cfg.Source
	}
	res := Result{SessionID: req.SessionID}

	ctx, span := s.tracer.Start(ctx, "dictation.dictate", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("container_type", req.Audio.ContainerType),
		attribute.Int("audio_bytes", len(req.Audio.Data)),
	))
	defer span.End()

	sess := history.Session{
		ID:            req.SessionID,
		Source:        req.Source,
		ContainerType: req.Audio.ContainerType,
		CreatedAt:     started.UTC(),
	}

	signal, err := s.condition(ctx, req.Audio)
	if err != nil {
		s.fail(ctx, span, sess, err)
		return res, err
	}
	res.Duration = time.Duration(signal.Duration() * float64(time.Second))
	sess.DurationMS = res.Duration.Milliseconds()

	text, err := s.transcribe(ctx, signal)
	if err != nil {
		s.fail(ctx, span, sess, err)
		return res, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		sess.Status = history.StatusNoSpeech
		s.record(ctx, sess)
		span.SetAttributes(attribute.Bool("no_speech", true))
		s.logger.Info("no speech detected", slog.String("session_id", req.SessionID))
		return res, ErrNoSpeech
	}
	res.Transcript = text
	sess.Transcript = text
	sess.Status = history.StatusOK
	s.record(ctx, sess)
	s.event(ctx, req.SessionID, history.EventTranscript, map[string]string{"text": text})

	if req.Refine && s.refiner != nil {
		instruction := req.Instruction
		if instruction == "" {
			instruction = s.instruction
		}
		out := s.refine(ctx, text, instruction)
		if out.Err != nil {
			res.RefineErr = out.Err.Error()
			s.logger.Warn("refinement failed, keeping transcript", slog.String("session_id", req.SessionID), slogError(out.Err))
			s.event(ctx, req.SessionID, history.EventRefineError, map[string]string{"error": res.RefineErr})
		}
		if out.Refined {
			res.Refined = out.Text
			sess.Refined = out.Text
			s.record(ctx, sess)
			s.event(ctx, req.SessionID, history.EventRefined, map[string]string{"text": out.Text})
		}
	}

	res.Elapsed = time.Since(started)
	s.logger.Info("dictation complete",
		slog.String("session_id", req.SessionID),
		slog.Duration("audio", res.Duration),
		slog.Duration("elapsed", res.Elapsed),
		slog.Bool("refined", res.Refined != ""))

	if s.publisher != nil {
		if err := s.publisher.PublishTranscript(res); err != nil {
			s.logger.Warn("failed to publish transcript", slogError(err))
		}
	}
	s.notify(res)
	return res, nil
}

func (s *Service) condition(ctx context.Context, buf audio.EncodedAudioBuffer) (audio.ConditionedSignal, error) {
	ctx, span := s.tracer.Start(ctx, "dictation.condition")
	defer span.End()
	signal, err := s.conditioner.Condition(ctx, buf)
	if err != nil {
		span.RecordError(err)
		return signal, err
	}
	span.SetAttributes(attribute.Float64("duration_s", signal.Duration()))
	return signal, nil
}

func (s *Service) transcribe(ctx context.Context, signal audio.ConditionedSignal) (string, error) {
	ctx, span := s.tracer.Start(ctx, "dictation.transcribe")
	defer span.End()
	if s.cfg.TranscribeTimeMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TranscribeTimeMS)*time.Millisecond)
		defer cancel()
	}
	text, err := s.channel.Transcribe(ctx, signal)
	if err != nil {
		span.RecordError(err)
	}
	return text, err
}

func (s *Service) refine(ctx context.Context, text, instruction string) refine.Outcome {
	ctx, span := s.tracer.Start(ctx, "dictation.refine")
	defer span.End()
	out := refine.RefineOrKeep(ctx, s.refiner, text, instruction)
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	return out
}

func (s *Service) fail(ctx context.Context, span trace.Span, sess history.Session, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	sess.Status = history.StatusError
	sess.Error = err.Error()
	s.record(ctx, sess)
	s.event(ctx, sess.ID, history.EventError, map[string]string{"error": err.Error()})
	s.logger.Warn("dictation failed", slog.String("session_id", sess.ID), slogError(err))
}

func (s *Service) record(ctx context.Context, sess history.Session) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordSession(ctx, sess); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
}

func (s *Service) event(ctx context.Context, sessionID, eventType string, payload any) {
	if s.history == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal history event", slogError(err))
		return
	}
	if err := s.history.AppendEvent(ctx, history.Event{SessionID: sessionID, Type: eventType, Payload: data}); err != nil {
		s.logger.Warn("failed to append history event", slogError(err))
	}
}

func (s *Service) notify(res Result) {
	s.mu.Lock()
	listeners := make([]func(Result), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(res)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
