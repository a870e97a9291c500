package dictation

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/inference"
)

// Error codes reported to clients.
const (
	CodeDecode        = "decode_error"
	CodeNotReady      = "not_ready"
	CodeModelLoad     = "model_load_failed"
	CodeTranscription = "transcription_failed"
	CodeNoSpeech      = "no_speech"
	CodeTimeout       = "timeout"
	CodeInternal      = "internal"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	var (
		decodeErr *audio.DecodeError
		notReady  *inference.NotReadyError
		loadErr   *inference.ModelLoadError
		transErr  *inference.TranscriptionError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSpeech):
		return CodeNoSpeech
	case errors.As(err, &decodeErr):
		return CodeDecode
	case errors.As(err, &notReady):
		return CodeNotReady
	case errors.As(err, &loadErr):
		return CodeModelLoad
	case errors.As(err, &transErr):
		return CodeTranscription
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
