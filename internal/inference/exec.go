package inference

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecSpawner runs each worker as a subprocess speaking the protocol on
// stdin and stdout.
type ExecSpawner struct {
	cmd []string
	env []string
}

func NewExecSpawner(command string, env []string) (*ExecSpawner, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return &ExecSpawner{cmd: args, env: env}, nil
}

// Spawn starts the process detached from ctx; the worker outlives the call
// that requested it.
func (s *ExecSpawner) Spawn(context.Context) (Worker, error) {
	command := exec.Command(s.cmd[0], s.cmd[1:]...)
	if len(s.env) > 0 {
		command.Env = append(command.Environ(), s.env...)
	}
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdoutR, stdoutW := io.Pipe()
	command.Stdout = stdoutW
	stderr := newTailBuffer(4096)
	command.Stderr = stderr

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cmd[0], err)
	}

	w := newPipeWorker(stdin, stdoutR, func() {
		_ = command.Process.Kill()
	})
	go func() {
		err := command.Wait()
		if err != nil {
			if tail := strings.TrimSpace(stderr.String()); tail != "" {
				err = fmt.Errorf("%w: %s", err, lastLine(tail))
			}
		}
		_ = stdoutW.Close()
		w.exited(err)
	}()
	return w, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
