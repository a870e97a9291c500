package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/model"
	"github.com/mattn/go-shellwords"
)

type execPipeline struct {
	cmd []string

	mu       sync.Mutex
	assets   *model.Assets
	language string
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecPipeline runs a recognizer command per transcription. The command
// receives --audio <wav>, --model <weights> and --language and prints
// {"text": "..."} on stdout.
func NewExecPipeline(opts Options) (Pipeline, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Recognizer)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execPipeline{cmd: args}, nil
}

func (p *execPipeline) Load(_ context.Context, req LoadRequest, progress ProgressFunc) error {
	progress("resolve", 0)
	assets, err := model.Open(req.ModelPath)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(p.cmd[0]); err != nil {
		return fmt.Errorf("recognizer not found: %w", err)
	}
	language := req.Language
	if language == "" {
		language = assets.Manifest.Runtime.Language
	}
	p.mu.Lock()
	p.assets = &assets
	p.language = language
	p.mu.Unlock()
	progress("resolve", 100)
	return nil
}

func (p *execPipeline) Transcribe(ctx context.Context, samples []float32) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assets == nil {
		return "", ErrNotLoaded
	}

	data, err := audio.EncodeWAV(audio.PCM{SampleRate: audio.TargetSampleRate, Channels: [][]float32{samples}})
	if err != nil {
		return "", err
	}
	file, err := os.CreateTemp("", "dictate_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(data); err != nil {
		file.Close()
		return "", fmt.Errorf("write wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav: %w", err)
	}

	cmdArgs := append([]string{}, p.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--model", p.assets.WeightsPath())
	if p.language != "" {
		cmdArgs = append(cmdArgs, "--language", p.language)
	}

	command := exec.CommandContext(ctx, p.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("recognizer failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp.Text, nil
}

func (p *execPipeline) Close() error { return nil }
