package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execRefiner struct {
	cmd []string
}

type execResponse struct {
	Text string `json:"text"`
}

// NewExecRefiner runs command with {"text", "instruction"} JSON on stdin and
// expects {"text"} on stdout.
func NewExecRefiner(command string) (Refiner, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse refine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("refine command empty")
	}
	return &execRefiner{cmd: args}, nil
}

func (r *execRefiner) Refine(ctx context.Context, text, instruction string) (string, error) {
	input, err := json.Marshal(map[string]string{
		"text":        text,
		"instruction": instruction,
		"system":      systemPrompt(instruction),
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, r.cmd[0], r.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("refine command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode refine response: %w", err)
	}
	return resp.Text, nil
}
