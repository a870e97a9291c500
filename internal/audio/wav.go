package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

type wavDecoder struct{}

// NewWAVDecoder decodes RIFF/WAVE integer PCM containers in memory.
func NewWAVDecoder() Decoder {
	return wavDecoder{}
}

func (wavDecoder) Open(context.Context) (DecodeSession, error) {
	return wavSession{}, nil
}

type wavSession struct{}

func (wavSession) Decode(_ context.Context, buf EncodedAudioBuffer) (PCM, error) {
	return DecodeWAV(buf.Data)
}

func (wavSession) Close() error { return nil }

// DecodeWAV parses a WAV container into per-channel float PCM.
func DecodeWAV(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, decodeError("audio/wav", ErrEmptyBuffer)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, decodeError("audio/wav", errors.New("invalid wav header"))
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return PCM{}, decodeError("audio/wav", fmt.Errorf("unsupported wav encoding %d", dec.WavAudioFormat))
	}
	if dec.NumChans == 0 {
		return PCM{}, decodeError("audio/wav", errors.New("wav declares no channels"))
	}
	if dec.SampleRate == 0 {
		return PCM{}, decodeError("audio/wav", errors.New("wav declares zero sample rate"))
	}
	buffer, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, decodeError("audio/wav", fmt.Errorf("read pcm: %w", err))
	}

	bitDepth := int(dec.BitDepth)
	if buffer.SourceBitDepth > 0 {
		bitDepth = buffer.SourceBitDepth
	}
	scale, offset, err := intScale(bitDepth)
	if err != nil {
		return PCM{}, decodeError("audio/wav", err)
	}

	channels := int(dec.NumChans)
	frames := len(buffer.Data) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			v := (float64(buffer.Data[i*channels+c]) - offset) / scale
			out[c][i] = float32(clamp(v))
		}
	}
	return PCM{SampleRate: int(dec.SampleRate), Channels: out}, nil
}

// 8-bit WAV is unsigned; wider depths are signed.
func intScale(bitDepth int) (scale, offset float64, err error) {
	switch bitDepth {
	case 8:
		return 128, 128, nil
	case 16, 24, 32:
		return math.Exp2(float64(bitDepth - 1)), 0, nil
	default:
		return 0, 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
}

// EncodeWAV interleaves pcm as 16-bit integer WAV.
func EncodeWAV(pcm PCM) ([]byte, error) {
	channels := len(pcm.Channels)
	if channels == 0 {
		return nil, errors.New("encode wav: no channels")
	}
	if pcm.SampleRate <= 0 {
		return nil, fmt.Errorf("encode wav: sample rate must be positive, got %d", pcm.SampleRate)
	}
	frames := pcm.Frames()
	data := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			data[i*channels+c] = int(math.Round(clamp(float64(pcm.Channels[c][i])) * math.MaxInt16))
		}
	}
	return EncodeWAVInts(data, pcm.SampleRate, channels, 16)
}

// EncodeWAVInts writes interleaved integer samples into a WAV container.
func EncodeWAVInts(data []int, sampleRate, channels, bitDepth int) ([]byte, error) {
	file := &memFile{}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	enc := wav.NewEncoder(file, sampleRate, bitDepth, channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return file.Bytes(), nil
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	m.pos = int(next)
	return next, nil
}

func (m *memFile) Bytes() []byte { return m.buf }

func clamp(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
