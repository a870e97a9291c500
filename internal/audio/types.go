package audio

import (
	"bytes"
	"mime"
	"strings"
)

const (
	// TargetSampleRate is the rate expected by the speech model.
	TargetSampleRate = 16000
	// SilenceThreshold is the peak below which a signal is left unscaled.
	SilenceThreshold = 0.001
	// TargetPeak is the peak amplitude after normalization.
	TargetPeak = 0.95
)

// EncodedAudioBuffer is one recording session as produced by a recorder:
// container bytes plus the declared container type (e.g. "audio/webm").
type EncodedAudioBuffer struct {
	Data          []byte
	ContainerType string
}

// PCM holds decoded per-channel samples in [-1, 1] at the source rate.
type PCM struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the length of the shortest channel.
func (p PCM) Frames() int {
	if len(p.Channels) == 0 {
		return 0
	}
	n := len(p.Channels[0])
	for _, ch := range p.Channels[1:] {
		if len(ch) < n {
			n = len(ch)
		}
	}
	return n
}

// ConditionedSignal is mono float PCM at TargetSampleRate ready for inference.
type ConditionedSignal struct {
	Samples []float32
}

// Duration returns the signal length in seconds.
func (s ConditionedSignal) Duration() float64 {
	return float64(len(s.Samples)) / TargetSampleRate
}

// Peak returns the largest absolute sample value.
func (s ConditionedSignal) Peak() float32 {
	return peak(s.Samples)
}

// MediaType strips parameters from a container type and sniffs RIFF data when
// the type is missing.
func MediaType(containerType string, data []byte) string {
	ct := strings.TrimSpace(containerType)
	if ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mt
		} else if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		ct = strings.ToLower(ct)
	}
	if ct == "" || ct == "application/octet-stream" {
		if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
			return "audio/wav"
		}
		if ct == "" {
			return "application/octet-stream"
		}
	}
	return ct
}
