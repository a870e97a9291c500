package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/inference"
)

type fakeDictator struct {
	mu   sync.Mutex
	last dictation.Request
	res  dictation.Result
	err  error
}

func (f *fakeDictator) set(res dictation.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res, f.err = res, err
}

func (f *fakeDictator) lastRequest() dictation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeDictator) Dictate(_ context.Context, req dictation.Request) (dictation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	res := f.res
	if res.SessionID == "" {
		res.SessionID = "generated"
	}
	return res, f.err
}

type fakeChannel struct {
	mu      sync.Mutex
	state   inference.State
	err     error
	loadErr error
}

func (f *fakeChannel) State() inference.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) Load(_ context.Context, onProgress func(inference.Progress)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if onProgress != nil {
		onProgress(inference.Progress{Stage: "initialize", Percent: 100})
	}
	if f.loadErr != nil {
		f.state, f.err = inference.Error, f.loadErr
		return f.loadErr
	}
	f.state = inference.Ready
	return nil
}

type fakeHistory struct {
	sessions []history.Session
}

func (f *fakeHistory) Enabled() bool { return true }

func (f *fakeHistory) ListSessions(context.Context, int, int) ([]history.Session, error) {
	return f.sessions, nil
}

func (f *fakeHistory) GetSession(_ context.Context, id string) (history.Session, []history.Event, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			return s, []history.Event{{SessionID: id, Type: history.EventTranscript}}, nil
		}
	}
	return history.Session{}, nil, history.ErrNotFound
}

type testAPI struct {
	api       *api
	dictator  *fakeDictator
	channel   *fakeChannel
	server    *httptest.Server
	readyFlag atomic.Bool
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.HTTP.MaxUploadBytes = 64
	ta := &testAPI{
		dictator: &fakeDictator{},
		channel:  &fakeChannel{},
	}
	ta.readyFlag.Store(true)
	ta.api = &api{
		cfg:       cfg,
		log:       logger,
		dictation: ta.dictator,
		channel:   ta.channel,
		history:   &fakeHistory{sessions: []history.Session{{ID: "s1", Status: history.StatusOK, Transcript: "hello"}}},
		hub:       newEventHub(cfg.HTTP.AllowedOrigins, logger),
		ready:     ta.readyFlag.Load,
	}
	ta.server = httptest.NewServer(ta.api.routes())
	t.Cleanup(func() {
		ta.api.hub.close()
		ta.server.Close()
	})
	return ta
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthAndReady(t *testing.T) {
	ta := newTestAPI(t)

	resp, err := http.Get(ta.server.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	ta.readyFlag.Store(false)
	resp, err = http.Get(ta.server.URL + "/readyz")
	if err != nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %v %v", resp, err)
	}
	resp.Body.Close()
}

func TestTranscribeSuccess(t *testing.T) {
	ta := newTestAPI(t)
	ta.dictator.set(dictation.Result{
		SessionID:  "abc",
		Transcript: "hello world",
		Refined:    "Hello, world.",
		Duration:   1500 * time.Millisecond,
	}, nil)

	req, _ := http.NewRequest(http.MethodPost, ta.server.URL+"/v1/transcribe?refine=true&instruction=formal", bytes.NewReader([]byte("RIFFdata")))
	req.Header.Set("Content-Type", "audio/webm;codecs=opus")
	req.Header.Set("X-Session-ID", "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body transcribeResponse
	decodeBody(t, resp, &body)
	if body.Text != "Hello, world." || body.Transcript != "hello world" || body.DurationMS != 1500 || body.SessionID != "abc" {
		t.Fatalf("unexpected body %+v", body)
	}

	got := ta.dictator.lastRequest()
	if !got.Refine || got.Instruction != "formal" || got.SessionID != "abc" || got.Source != "http" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Audio.ContainerType != "audio/webm;codecs=opus" || string(got.Audio.Data) != "RIFFdata" {
		t.Fatalf("unexpected audio %+v", got.Audio)
	}
}

func TestTranscribeErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&audio.DecodeError{ContainerType: "audio/webm", Err: errors.New("truncated")}, http.StatusUnprocessableEntity, dictation.CodeDecode},
		{dictation.ErrNoSpeech, http.StatusUnprocessableEntity, dictation.CodeNoSpeech},
		{&inference.NotReadyError{State: inference.Unloaded}, http.StatusConflict, dictation.CodeNotReady},
		{&inference.ModelLoadError{Message: "missing weights"}, http.StatusServiceUnavailable, dictation.CodeModelLoad},
		{&inference.TranscriptionError{Message: "worker crashed"}, http.StatusBadGateway, dictation.CodeTranscription},
		{errors.New("boom"), http.StatusInternalServerError, dictation.CodeInternal},
	}
	ta := newTestAPI(t)
	for _, tc := range cases {
		ta.dictator.set(dictation.Result{}, tc.err)
		resp, err := http.Post(ta.server.URL+"/v1/transcribe", "audio/wav", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var body errorResponse
		decodeBody(t, resp, &body)
		if resp.StatusCode != tc.status || body.Code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, resp.StatusCode, body.Code)
		}
		if body.Error != tc.err.Error() {
			t.Fatalf("expected error message %q, got %q", tc.err.Error(), body.Error)
		}
	}
}

func TestTranscribeRejectsOversizedBody(t *testing.T) {
	ta := newTestAPI(t)
	resp, err := http.Post(ta.server.URL+"/v1/transcribe", "audio/wav", bytes.NewReader(make([]byte, 128)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestTranscribeRejectsBadRefineFlag(t *testing.T) {
	ta := newTestAPI(t)
	resp, err := http.Post(ta.server.URL+"/v1/transcribe?refine=maybe", "audio/wav", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestModelStatusAndLoad(t *testing.T) {
	ta := newTestAPI(t)

	resp, err := http.Get(ta.server.URL + "/v1/model")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	var status map[string]any
	decodeBody(t, resp, &status)
	if status["state"] != "unloaded" || status["backend"] != "mock" {
		t.Fatalf("unexpected status %v", status)
	}

	resp, err = http.Post(ta.server.URL+"/v1/model/load", "", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	decodeBody(t, resp, &status)
	if resp.StatusCode != http.StatusOK || status["state"] != "ready" {
		t.Fatalf("unexpected load response %d %v", resp.StatusCode, status)
	}
}

func TestModelLoadFailure(t *testing.T) {
	ta := newTestAPI(t)
	ta.channel.mu.Lock()
	ta.channel.loadErr = &inference.ModelLoadError{Message: "model.yaml not found"}
	ta.channel.mu.Unlock()

	resp, err := http.Post(ta.server.URL+"/v1/model/load", "", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var body errorResponse
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusServiceUnavailable || body.Code != dictation.CodeModelLoad {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, body)
	}
	if !strings.Contains(body.Error, "model.yaml") {
		t.Fatalf("expected verbatim message, got %q", body.Error)
	}
}

func TestHistoryRoutes(t *testing.T) {
	ta := newTestAPI(t)

	resp, err := http.Get(ta.server.URL + "/v1/history?limit=10")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list struct {
		Enabled  bool              `json:"enabled"`
		Sessions []history.Session `json:"sessions"`
	}
	decodeBody(t, resp, &list)
	if !list.Enabled || len(list.Sessions) != 1 || list.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected list %+v", list)
	}

	resp, err = http.Get(ta.server.URL + "/v1/history/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var detail struct {
		Session history.Session `json:"session"`
		Events  []history.Event `json:"events"`
	}
	decodeBody(t, resp, &detail)
	if detail.Session.Transcript != "hello" || len(detail.Events) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	resp, err = http.Get(ta.server.URL + "/v1/history/missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	ta := newTestAPI(t)
	url := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for ta.api.hub.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ta.api.hub.broadcast(eventState, stateEvent(inference.StateChange{From: inference.Loading, To: inference.Ready}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type string `json:"type"`
		Data struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != eventState || ev.Data.From != "loading" || ev.Data.To != "ready" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	if !check(req) {
		t.Fatal("requests without origin should pass")
	}
	req.Header.Set("Origin", "http://evil.example")
	if check(req) {
		t.Fatal("unexpected origin allowed")
	}
	req.Header.Set("Origin", "http://localhost:3000")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
}
