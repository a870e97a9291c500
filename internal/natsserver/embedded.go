package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	defaultHost       = "127.0.0.1"
	defaultMaxPayload = 4 << 20
	readyTimeout      = 5 * time.Second
)

// EmbeddedServer is an in-process broker for remote microphones and peers
// when no external NATS deployment exists.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when the bus is disabled or external.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}

	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	maxPayload := cfg.MaxPayload
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	opts := &server.Options{
		ServerName: "dictate-embedded",
		Host:       host,
		Port:       cfg.Port,
		MaxPayload: int32(maxPayload),
		NoSigs:     true,
	}
	if cfg.JetStream {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
		if opts.StoreDir == "" {
			opts.StoreDir = "./data/nats"
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	log = log.With(slog.String("component", "nats"))
	ns.SetLogger(serverLogger{log: log}, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.Bool("jetstream", opts.JetStream),
		slog.Int("max_payload", maxPayload))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown is safe on a nil server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// serverLogger routes broker output into the runtime's structured log.
type serverLogger struct {
	log *slog.Logger
}

func (l serverLogger) Noticef(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l serverLogger) Warnf(format string, v ...any) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

func (l serverLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...), slog.Bool("fatal", true))
}

func (l serverLogger) Errorf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l serverLogger) Debugf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l serverLogger) Tracef(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
