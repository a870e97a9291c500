package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattn/go-shellwords"
)

// Decoder hands out decode sessions. A session owns whatever platform
// resources decoding needs and must be closed once conditioning finishes.
type Decoder interface {
	Open(ctx context.Context) (DecodeSession, error)
}

// DecodeSession turns one encoded buffer into PCM at the source rate.
type DecodeSession interface {
	Decode(ctx context.Context, buf EncodedAudioBuffer) (PCM, error)
	Close() error
}

type execDecoder struct {
	cmd []string
}

// NewExecDecoder runs an external transcoder (ffmpeg by default) that accepts
// "-i <input> ... <output.wav>" and converts any container to 16-bit WAV.
func NewExecDecoder(command string) (Decoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}
	return &execDecoder{cmd: args}, nil
}

func (d *execDecoder) Open(context.Context) (DecodeSession, error) {
	dir, err := os.MkdirTemp("", "dictate_decode_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	return &execSession{cmd: d.cmd, dir: dir}, nil
}

type execSession struct {
	cmd []string
	dir string
}

func (s *execSession) Decode(ctx context.Context, buf EncodedAudioBuffer) (PCM, error) {
	mediaType := MediaType(buf.ContainerType, buf.Data)
	input := filepath.Join(s.dir, "input"+extensionFor(mediaType))
	if err := os.WriteFile(input, buf.Data, 0o600); err != nil {
		return PCM{}, fmt.Errorf("write decoder input: %w", err)
	}
	output := filepath.Join(s.dir, "output.wav")

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, "-i", input, "-vn", "-acodec", "pcm_s16le", "-f", "wav", output)
	command := exec.CommandContext(ctx, s.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return PCM{}, decodeError(mediaType, fmt.Errorf("decoder command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes())))
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return PCM{}, decodeError(mediaType, fmt.Errorf("read decoder output: %w", err))
	}
	pcm, err := DecodeWAV(data)
	if err != nil {
		return PCM{}, decodeError(mediaType, err)
	}
	return pcm, nil
}

func (s *execSession) Close() error {
	return os.RemoveAll(s.dir)
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "audio/webm", "video/webm":
		return ".webm"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "video/mp4":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return ".wav"
	default:
		return ".bin"
	}
}
