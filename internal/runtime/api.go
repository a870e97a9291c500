package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/inference"
)

type dictator interface {
	Dictate(ctx context.Context, req dictation.Request) (dictation.Result, error)
}

type modelChannel interface {
	State() inference.State
	LastError() error
	Load(ctx context.Context, onProgress func(inference.Progress)) error
}

type historyReader interface {
	Enabled() bool
	ListSessions(ctx context.Context, limit, offset int) ([]history.Session, error)
	GetSession(ctx context.Context, sessionID string) (history.Session, []history.Event, error)
}

// api serves the HTTP surface of the daemon.
type api struct {
	cfg       config.Config
	log       *slog.Logger
	dictation dictator
	channel   modelChannel
	history   historyReader
	hub       *eventHub
	metrics   http.Handler
	ready     func() bool
}

type modelResponse struct {
	State     inference.State `json:"state"`
	Error     string          `json:"error,omitempty"`
	Mode      string          `json:"mode"`
	Backend   string          `json:"backend,omitempty"`
	ModelPath string          `json:"model_path"`
	Language  string          `json:"language,omitempty"`
}

type transcribeResponse struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Transcript  string `json:"transcript"`
	Refined     string `json:"refined,omitempty"`
	RefineError string `json:"refine_error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Session-ID"},
	}))

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/model", a.handleModel)
		r.Post("/model/load", a.handleModelLoad)
		r.Post("/transcribe", a.handleTranscribe)
		r.Get("/history", a.handleHistory)
		r.Get("/history/{session}", a.handleSession)
		r.Get("/events", a.hub.serve)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) modelStatus() modelResponse {
	resp := modelResponse{
		State:     a.channel.State(),
		Mode:      a.cfg.Inference.Mode,
		ModelPath: a.cfg.Inference.ModelPath,
		Language:  a.cfg.Inference.Language,
	}
	if resp.Mode == "local" {
		resp.Backend = a.cfg.Inference.Backend
	}
	if err := a.channel.LastError(); err != nil && resp.State == inference.Error {
		resp.Error = err.Error()
	}
	return resp
}

func (a *api) handleModel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.modelStatus())
}

// handleModelLoad loads the model. With wait=false it returns 202 at once and
// progress is only visible on /v1/events.
func (a *api) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	progress := func(p inference.Progress) { a.hub.broadcast(eventProgress, p) }

	if wait, err := strconv.ParseBool(r.URL.Query().Get("wait")); err == nil && !wait {
		go func() {
			if err := a.channel.Load(context.Background(), progress); err != nil {
				a.log.Warn("background model load failed", slogError(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, a.modelStatus())
		return
	}

	if err := a.channel.Load(r.Context(), progress); err != nil {
		a.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, a.modelStatus())
}

func (a *api) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, a.cfg.HTTP.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "recording exceeds upload limit", Code: "too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
		return
	}

	query := r.URL.Query()
	refine := a.cfg.Dictation.RefineByDefault
	if v := query.Get("refine"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "refine must be a boolean", Code: "bad_request"})
			return
		}
		refine = parsed
	}

	res, err := a.dictation.Dictate(r.Context(), dictation.Request{
		SessionID:   r.Header.Get("X-Session-ID"),
		Source:      "http",
		Audio:       audio.EncodedAudioBuffer{Data: data, ContainerType: r.Header.Get("Content-Type")},
		Refine:      refine,
		Instruction: query.Get("instruction"),
	})
	if err != nil {
		a.writeError(w, res.SessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{
		SessionID:   res.SessionID,
		Text:        res.Text(),
		Transcript:  res.Transcript,
		Refined:     res.Refined,
		RefineError: res.RefineErr,
		DurationMS:  res.Duration.Milliseconds(),
		ElapsedMS:   res.Elapsed.Milliseconds(),
	})
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	sessions, err := a.history.ListSessions(r.Context(), limit, offset)
	if err != nil {
		a.log.Warn("failed to list history", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: dictation.CodeInternal})
		return
	}
	if sessions == nil {
		sessions = []history.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  a.history.Enabled(),
		"sessions": sessions,
	})
}

func (a *api) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session")
	sess, events, err := a.history.GetSession(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found", SessionID: id})
		return
	}
	if err != nil {
		a.log.Warn("failed to load session", slog.String("session_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: dictation.CodeInternal})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"events":  events,
	})
}

func (a *api) writeError(w http.ResponseWriter, sessionID string, err error) {
	code := dictation.ErrorCode(err)
	writeJSON(w, statusFor(code), errorResponse{Error: err.Error(), Code: code, SessionID: sessionID})
}

func statusFor(code string) int {
	switch code {
	case dictation.CodeDecode, dictation.CodeNoSpeech:
		return http.StatusUnprocessableEntity
	case dictation.CodeNotReady:
		return http.StatusConflict
	case dictation.CodeModelLoad:
		return http.StatusServiceUnavailable
	case dictation.CodeTranscription:
		return http.StatusBadGateway
	case dictation.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
