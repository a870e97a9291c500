package inference

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a Channel.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Progress is one model load progress report.
type Progress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
}

// StateChange is delivered to watchers on every transition.
type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	Err  error     `json:"-"`
	At   time.Time `json:"at"`
}
