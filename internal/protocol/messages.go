package protocol

import "time"

// AudioFrame represents PCM audio data streamed from remote microphones.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// DictationRequest asks the daemon to transcribe one encoded recording.
type DictationRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	ContainerType string `json:"container_type"`
	Audio         []byte `json:"audio"`
	Refine        bool   `json:"refine,omitempty"`
	Instruction   string `json:"instruction,omitempty"`
}

// DictationReply answers a DictationRequest.
type DictationReply struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript,omitempty"`
	Refined    string `json:"refined,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// Transcript represents dictation output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Refined    string    `json:"refined,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
}

// ModelStatus announces the inference channel state of a node.
type ModelStatus struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectDictationRequest = "dictate.request"
	SubjectTranscriptFinal  = "dictate.transcript.final"
	SubjectStatus           = "dictate.status"
	SubjectHeartbeatPrefix  = "dictate.heartbeat"
)
