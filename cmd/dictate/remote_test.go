package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
)

func TestRemoteTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transcribe" || r.URL.Query().Get("refine") != "true" || r.URL.Query().Get("instruction") != "formal" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/webm" {
			t.Errorf("unexpected content type %q", ct)
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != "payload" {
			t.Errorf("unexpected body %q", data)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id":  "abc",
			"transcript":  "hello",
			"refined":     "Hello.",
			"duration_ms": 1200,
		})
	}))
	defer srv.Close()

	res, err := remoteTranscribe(context.Background(), srv.URL+"/", audio.EncodedAudioBuffer{Data: []byte("payload"), ContainerType: "audio/webm"}, true, "formal")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.SessionID != "abc" || res.Text() != "Hello." || res.Duration.Milliseconds() != 1200 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRemoteTranscribeNoSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no speech detected", "code": dictation.CodeNoSpeech})
	}))
	defer srv.Close()

	_, err := remoteTranscribe(context.Background(), srv.URL, audio.EncodedAudioBuffer{Data: []byte("x")}, false, "")
	if !errors.Is(err, dictation.ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestRemoteTranscribeReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "model not ready (state unloaded)", "code": dictation.CodeNotReady})
	}))
	defer srv.Close()

	_, err := remoteTranscribe(context.Background(), srv.URL, audio.EncodedAudioBuffer{Data: []byte("x")}, false, "")
	if err == nil || err.Error() != "dictated: model not ready (state unloaded) (not_ready)" {
		t.Fatalf("unexpected error %v", err)
	}
}
