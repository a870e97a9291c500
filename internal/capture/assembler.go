package capture

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Assembler collects PCM frames streamed from remote microphones and yields
// one encoded buffer per session when the final frame arrives.
type Assembler struct {
	defaultRate     int
	defaultChannels int
	maxBytes        int

	mu       sync.Mutex
	sessions map[string]*pending
	clock    func() time.Time
}

type pending struct {
	chunks     []chunk
	size       int
	sampleRate int
	channels   int
	updated    time.Time
}

type chunk struct {
	seq int
	pcm []byte
}

func NewAssembler(defaultRate, defaultChannels, maxBytes int) *Assembler {
	return &Assembler{
		defaultRate:     defaultRate,
		defaultChannels: defaultChannels,
		maxBytes:        maxBytes,
		sessions:        make(map[string]*pending),
		clock:           time.Now,
	}
}

// Add buffers frame. When frame is final the session is removed and its
// frames, ordered by sequence, are returned as a WAV buffer.
func (a *Assembler) Add(frame protocol.AudioFrame) (audio.EncodedAudioBuffer, bool, error) {
	if frame.SessionID == "" {
		return audio.EncodedAudioBuffer{}, false, fmt.Errorf("audio frame without session id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.sessions[frame.SessionID]
	if p == nil {
		p = &pending{sampleRate: a.defaultRate, channels: a.defaultChannels}
		a.sessions[frame.SessionID] = p
	}
	if frame.SampleRate > 0 {
		p.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		p.channels = frame.Channels
	}
	p.updated = a.clock()
	if len(frame.PCM) > 0 {
		if a.maxBytes > 0 && p.size+len(frame.PCM) > a.maxBytes {
			delete(a.sessions, frame.SessionID)
			return audio.EncodedAudioBuffer{}, false, fmt.Errorf("session %s exceeds %d bytes", frame.SessionID, a.maxBytes)
		}
		p.chunks = append(p.chunks, chunk{seq: frame.Sequence, pcm: frame.PCM})
		p.size += len(frame.PCM)
	}
	if !frame.Final {
		return audio.EncodedAudioBuffer{}, false, nil
	}

	delete(a.sessions, frame.SessionID)
	sort.SliceStable(p.chunks, func(i, j int) bool { return p.chunks[i].seq < p.chunks[j].seq })
	pcm := make([]byte, 0, p.size)
	for _, c := range p.chunks {
		pcm = append(pcm, c.pcm...)
	}
	if len(pcm) == 0 {
		return audio.EncodedAudioBuffer{}, true, fmt.Errorf("session %s ended without audio", frame.SessionID)
	}
	buf, err := EncodePCM16(pcm, p.sampleRate, p.channels)
	return buf, true, err
}

// Expire drops sessions idle for longer than idle and returns their ids.
func (a *Assembler) Expire(idle time.Duration) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.clock().Add(-idle)
	var expired []string
	for id, p := range a.sessions {
		if p.updated.Before(cutoff) {
			delete(a.sessions, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Pending reports the number of open sessions.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
