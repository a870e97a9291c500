package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Conditioner decodes encoded recordings and produces mono 16 kHz signals
// normalized to TargetPeak. It holds no per-call state.
type Conditioner struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	fallback Decoder
}

// NewConditioner returns a conditioner that understands WAV containers.
// Other containers need a fallback decoder.
func NewConditioner() *Conditioner {
	wavDec := NewWAVDecoder()
	return &Conditioner{
		decoders: map[string]Decoder{
			"audio/wav":      wavDec,
			"audio/x-wav":    wavDec,
			"audio/wave":     wavDec,
			"audio/vnd.wave": wavDec,
		},
	}
}

// Register binds a decoder to a media type such as "audio/webm".
func (c *Conditioner) Register(mediaType string, dec Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[MediaType(mediaType, nil)] = dec
}

// SetFallback sets the decoder used for media types with no registration.
func (c *Conditioner) SetFallback(dec Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = dec
}

func (c *Conditioner) decoderFor(mediaType string) Decoder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if dec, ok := c.decoders[mediaType]; ok {
		return dec
	}
	return c.fallback
}

// Condition decodes buf, downmixes to mono, resamples to TargetSampleRate and
// normalizes the peak. The decode session is released on every return path.
func (c *Conditioner) Condition(ctx context.Context, buf EncodedAudioBuffer) (ConditionedSignal, error) {
	mediaType := MediaType(buf.ContainerType, buf.Data)
	if len(buf.Data) == 0 {
		return ConditionedSignal{}, &DecodeError{ContainerType: mediaType, Err: ErrEmptyBuffer}
	}
	dec := c.decoderFor(mediaType)
	if dec == nil {
		return ConditionedSignal{}, &DecodeError{ContainerType: mediaType, Err: ErrUnsupportedContainer}
	}

	session, err := dec.Open(ctx)
	if err != nil {
		return ConditionedSignal{}, decodeError(mediaType, fmt.Errorf("open decoder: %w", err))
	}
	defer session.Close()

	pcm, err := session.Decode(ctx, buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ConditionedSignal{}, err
		}
		return ConditionedSignal{}, decodeError(mediaType, err)
	}
	if pcm.SampleRate <= 0 {
		return ConditionedSignal{}, &DecodeError{ContainerType: mediaType, Err: fmt.Errorf("invalid sample rate %d", pcm.SampleRate)}
	}
	if len(pcm.Channels) == 0 {
		return ConditionedSignal{}, &DecodeError{ContainerType: mediaType, Err: errors.New("no channels decoded")}
	}
	if err := ctx.Err(); err != nil {
		return ConditionedSignal{}, err
	}

	mono := Downmix(pcm.Channels)
	samples := Resample(mono, pcm.SampleRate, TargetSampleRate)
	Normalize(samples)
	return ConditionedSignal{Samples: samples}, nil
}

// Downmix averages all channels sample by sample. A single channel is
// returned as is.
func Downmix(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	}
	frames := PCM{Channels: channels}.Frames()
	out := make([]float32, frames)
	n := float64(len(channels))
	for i := 0; i < frames; i++ {
		var sum float64
		for _, ch := range channels {
			sum += float64(ch[i])
		}
		out[i] = float32(sum / n)
	}
	return out
}

// Resample converts samples from sourceRate to targetRate by linear
// interpolation. The output has round(len/(sourceRate/targetRate)) samples and
// positions past the last source sample clamp to it. Equal rates return the
// input slice.
func Resample(samples []float32, sourceRate, targetRate int) []float32 {
	if sourceRate == targetRate || sourceRate <= 0 || targetRate <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(sourceRate) / float64(targetRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = float32(a + (b-a)*frac)
	}
	return out
}

// Normalize scales samples in place so the peak equals TargetPeak. Signals
// whose peak is below SilenceThreshold are left untouched.
func Normalize(samples []float32) {
	p := float64(peak(samples))
	if p < SilenceThreshold {
		return
	}
	gain := TargetPeak / p
	for i, s := range samples {
		samples[i] = float32(clamp(float64(s) * gain))
	}
}

func peak(samples []float32) float32 {
	var p float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}
