package inference

import "fmt"

// NotReadyError is returned by Transcribe when no model is loaded.
type NotReadyError struct {
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("model not ready (state %s)", e.State)
}

// ModelLoadError reports a failed load. Message is the worker's message
// verbatim, or a description of why the worker could not start or died.
type ModelLoadError struct {
	Message string
}

func (e *ModelLoadError) Error() string {
	return "model load failed: " + e.Message
}

// TranscriptionError reports a worker-side failure for one transcription.
type TranscriptionError struct {
	Message string
}

func (e *TranscriptionError) Error() string {
	return "transcription failed: " + e.Message
}
