package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmSpawner instantiates a WASI build of the worker with wazero. The
// module's stdin and stdout carry the protocol. Dir is mounted read-only as
// the guest root, so relative model paths resolve as they do on the host.
type WasmSpawner struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	args     []string
	dir      string
	seq      atomic.Uint64
}

// NewWasmSpawner compiles modulePath once. args are the guest's argv.
func NewWasmSpawner(ctx context.Context, modulePath, dir string, args []string) (*WasmSpawner, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	if dir == "" {
		dir = "."
	}
	if len(args) == 0 {
		args = []string{"dictate-worker", "-backend", "mock"}
	}
	return &WasmSpawner{rt: rt, compiled: compiled, args: args, dir: dir}, nil
}

func (s *WasmSpawner) Spawn(context.Context) (Worker, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderr := newTailBuffer(4096)

	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("dictate-worker-%d", s.seq.Add(1))).
		WithArgs(s.args...).
		WithStdin(stdinR).
		WithStdout(stdoutW).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(s.dir, "/"))

	ctx, cancel := context.WithCancel(context.Background())
	w := newPipeWorker(stdinW, stdoutR, func() {
		cancel()
		_ = stdinR.Close()
		_ = stdoutW.Close()
	})
	go func() {
		defer cancel()
		mod, err := s.rt.InstantiateModule(ctx, s.compiled, cfg)
		if mod != nil {
			_ = mod.Close(ctx)
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		if tail := strings.TrimSpace(stderr.String()); err != nil && tail != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(tail))
		}
		_ = stdoutW.Close()
		w.exited(err)
	}()
	return w, nil
}

// Close releases the compiled module and the runtime.
func (s *WasmSpawner) Close(ctx context.Context) error {
	return errors.Join(s.compiled.Close(ctx), s.rt.Close(ctx))
}
