package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/inference"
	"github.com/loqalabs/loqa-dictate/internal/model"
	"github.com/loqalabs/loqa-dictate/internal/refine"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
)

var version = "0.1.0-dev"

const usage = `usage: dictate <command> [flags]

commands:
  transcribe       record from the microphone (or read -file) and print the transcript
  model validate   check a model bundle
  version          print version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(os.Args[2:])
	case "model":
		if len(os.Args) < 3 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "expected 'model validate'")
			os.Exit(2)
		}
		err = runValidate(os.Args[3:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	flags := flag.NewFlagSet("model validate", flag.ExitOnError)
	dir := flags.String("dir", "", "Model directory (defaults to inference.model_path)")
	configPath := flags.String("config", "", "Path to configuration file")
	flags.Parse(args)

	base := *dir
	if base == "" && flags.NArg() > 0 {
		base = flags.Arg(0)
	}
	if base == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		base = cfg.Inference.ModelPath
	}

	assets, err := model.Open(base)
	if err != nil {
		return err
	}
	m := assets.Manifest
	fmt.Printf("model %s %s valid (backend %s", m.Metadata.Name, m.Metadata.Version, m.Runtime.Backend)
	if m.Runtime.Language != "" {
		fmt.Printf(", language %s", m.Runtime.Language)
	}
	fmt.Printf(")\nweights: %s\n", assets.WeightsPath())
	return nil
}

type transcribeOptions struct {
	file        string
	contentType string
	server      string
	configPath  string
	refine      bool
	instruction string
	copy        bool
	verbose     bool
	timeout     time.Duration
}

func runTranscribe(args []string) error {
	var opts transcribeOptions
	flags := flag.NewFlagSet("transcribe", flag.ExitOnError)
	flags.StringVar(&opts.file, "file", "", "Encoded recording to transcribe instead of recording from the microphone")
	flags.StringVar(&opts.contentType, "type", "", "Container type of -file (guessed from the extension when empty)")
	flags.StringVar(&opts.server, "server", "", "Send the recording to a running dictated at this URL instead of transcribing locally")
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flags.BoolVar(&opts.refine, "refine", false, "Refine the transcript with the configured language model")
	flags.StringVar(&opts.instruction, "instruction", "", "Refinement instruction")
	flags.BoolVar(&opts.copy, "copy", false, "Copy the final text to the clipboard")
	flags.BoolVar(&opts.verbose, "v", false, "Log pipeline activity to stderr")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall timeout once recording has stopped")
	flags.Parse(args)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf, err := loadRecording(ctx, cfg, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var res dictation.Result
	if opts.server != "" {
		res, err = remoteTranscribe(ctx, opts.server, buf, opts.refine, opts.instruction)
	} else {
		res, err = localTranscribe(ctx, cfg, buf, opts, logger)
	}
	if err != nil {
		return err
	}

	if res.RefineErr != "" {
		fmt.Fprintf(os.Stderr, "refinement failed, using verbatim transcript: %s\n", res.RefineErr)
	}
	text := res.Text()
	fmt.Println(text)
	if opts.copy {
		if err := clipboard.WriteAll(text); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
	}
	return nil
}

func loadRecording(ctx context.Context, cfg config.Config, opts transcribeOptions) (audio.EncodedAudioBuffer, error) {
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return audio.EncodedAudioBuffer{}, err
		}
		ct := opts.contentType
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(opts.file))
		}
		return audio.EncodedAudioBuffer{Data: data, ContainerType: ct}, nil
	}

	recorder, err := capture.New(cfg.Capture)
	if err != nil {
		return audio.EncodedAudioBuffer{}, err
	}
	rec, err := recorder.Start(ctx)
	if err != nil {
		return audio.EncodedAudioBuffer{}, err
	}
	fmt.Fprintln(os.Stderr, "recording, press Enter to stop")

	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()
	select {
	case <-enter:
	case <-ctx.Done():
	}
	return rec.Stop()
}

func localTranscribe(ctx context.Context, cfg config.Config, buf audio.EncodedAudioBuffer, opts transcribeOptions, logger *slog.Logger) (dictation.Result, error) {
	conditioner, err := runtime.NewConditioner(cfg.Conditioner)
	if err != nil {
		return dictation.Result{}, err
	}
	spawner, closeSpawner, err := runtime.NewSpawner(ctx, cfg.Inference, logger)
	if err != nil {
		return dictation.Result{}, err
	}
	defer closeSpawner(context.Background())

	channel := inference.NewChannel(spawner, inference.Options{
		ModelPath: cfg.Inference.ModelPath,
		Language:  cfg.Inference.Language,
		Logger:    logger,
	})
	defer channel.Close()

	var refiner refine.Refiner
	if opts.refine {
		refiner, err = refine.New(cfg.Refine)
		if err != nil {
			return dictation.Result{}, err
		}
	}

	svc := dictation.NewService(cfg.Dictation, cfg.Refine.Instruction, dictation.Deps{
		Conditioner: conditioner,
		Channel:     channel,
		Refiner:     refiner,
		Logger:      logger,
	})
	if err := svc.Preload(ctx, func(p inference.Progress) {
		fmt.Fprintf(os.Stderr, "\rloading model: %-12s %3.0f%%", p.Stage, p.Percent)
	}); err != nil {
		fmt.Fprintln(os.Stderr)
		return dictation.Result{}, err
	}
	fmt.Fprintln(os.Stderr)

	return svc.Dictate(ctx, dictation.Request{
		Source:      "cli",
		Audio:       buf,
		Refine:      opts.refine,
		Instruction: opts.instruction,
	})
}
