package worker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Options configure pipeline construction.
type Options struct {
	// Recognizer is the command line used by the exec pipeline.
	Recognizer string
	Logger     *slog.Logger
}

// Factory builds a pipeline.
type Factory func(Options) (Pipeline, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"mock": func(Options) (Pipeline, error) { return NewMockPipeline(), nil },
		"exec": NewExecPipeline,
	}
)

// Register makes a pipeline available by name. Backends behind build tags
// register themselves from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named pipeline.
func New(name string, opts Options) (Pipeline, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q not available (have %v)", name, Backends())
	}
	return factory(opts)
}

// Backends lists registered pipeline names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
