// Command dictate-worker hosts one speech model and answers transcription
// requests on stdin and stdout. Logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/worker"
)

func main() {
	var (
		backend    string
		recognizer string
		logLevel   string
		list       bool
	)
	flag.StringVar(&backend, "backend", "mock", "Pipeline backend")
	flag.StringVar(&recognizer, "recognizer", "", "Recognizer command for the exec backend")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level written to stderr")
	flag.BoolVar(&list, "list", false, "List available backends and exit")
	flag.Parse()

	if list {
		fmt.Println(strings.Join(worker.Backends(), "\n"))
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("component", "worker"), slog.String("backend", backend))

	pipeline, err := worker.New(backend, worker.Options{Recognizer: recognizer, Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := worker.Serve(context.Background(), os.Stdin, os.Stdout, pipeline, logger); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
