package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
)

type remoteResponse struct {
	SessionID   string `json:"session_id"`
	Transcript  string `json:"transcript"`
	Refined     string `json:"refined"`
	RefineError string `json:"refine_error"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error"`
	Code        string `json:"code"`
}

// remoteTranscribe posts buf to a running daemon.
func remoteTranscribe(ctx context.Context, server string, buf audio.EncodedAudioBuffer, refine bool, instruction string) (dictation.Result, error) {
	query := url.Values{}
	query.Set("refine", strconv.FormatBool(refine))
	if instruction != "" {
		query.Set("instruction", instruction)
	}
	endpoint := strings.TrimRight(server, "/") + "/v1/transcribe?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Data))
	if err != nil {
		return dictation.Result{}, err
	}
	if buf.ContainerType != "" {
		req.Header.Set("Content-Type", buf.ContainerType)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return dictation.Result{}, fmt.Errorf("contact dictated: %w", err)
	}
	defer resp.Body.Close()

	var body remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return dictation.Result{}, fmt.Errorf("decode dictated response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if body.Code == dictation.CodeNoSpeech {
			return dictation.Result{SessionID: body.SessionID}, dictation.ErrNoSpeech
		}
		return dictation.Result{SessionID: body.SessionID}, fmt.Errorf("dictated: %s (%s)", body.Error, body.Code)
	}
	return dictation.Result{
		SessionID:  body.SessionID,
		Transcript: body.Transcript,
		Refined:    body.Refined,
		RefineErr:  body.RefineError,
		Duration:   time.Duration(body.DurationMS) * time.Millisecond,
	}, nil
}
