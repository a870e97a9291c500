package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// EncodePCM16 wraps interleaved little-endian signed 16-bit PCM in a WAV
// container.
func EncodePCM16(pcm []byte, sampleRate, channels int) (audio.EncodedAudioBuffer, error) {
	if len(pcm)%2 != 0 {
		return audio.EncodedAudioBuffer{}, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return EncodeInt16(samples, sampleRate, channels)
}

// EncodeInt16 wraps interleaved 16-bit samples in a WAV container. Trailing
// samples that do not fill a frame are dropped.
func EncodeInt16(samples []int16, sampleRate, channels int) (audio.EncodedAudioBuffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return audio.EncodedAudioBuffer{}, fmt.Errorf("invalid format: rate=%d channels=%d", sampleRate, channels)
	}
	n := len(samples) - len(samples)%channels
	data := make([]int, n)
	for i := 0; i < n; i++ {
		data[i] = int(samples[i])
	}
	wav, err := audio.EncodeWAVInts(data, sampleRate, channels, 16)
	if err != nil {
		return audio.EncodedAudioBuffer{}, err
	}
	return audio.EncodedAudioBuffer{Data: wav, ContainerType: "audio/wav"}, nil
}
