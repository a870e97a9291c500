//go:build !windows

package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
)

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestExecWorkerWithStdoutNoiseIsStopped(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	command := fmt.Sprintf(`sh -c 'echo $$ > %s; echo "ggml_init: using CPU"; exec sleep 30'`, pidFile)
	spawner, err := NewExecSpawner(command, nil)
	if err != nil {
		t.Fatalf("new spawner: %v", err)
	}
	c := NewChannel(spawner, Options{})

	err = c.Load(context.Background(), nil)
	var mle *ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid %q: %v", data, err)
	}
	if processAlive(pid) {
		t.Fatalf("worker %d still running after failed load", pid)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if processAlive(pid) {
		t.Fatalf("worker %d still running after close", pid)
	}
}

func TestExecSpawnerKeepsDollarLiteral(t *testing.T) {
	spawner, err := NewExecSpawner(`dictate-worker -backend mock -label $HOME`, nil)
	if err != nil {
		t.Fatalf("new spawner: %v", err)
	}
	want := []string{"dictate-worker", "-backend", "mock", "-label", "$HOME"}
	if strings.Join(spawner.cmd, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, spawner.cmd)
	}
}
