package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSkipsExternalBus(t *testing.T) {
	for _, cfg := range []config.BusConfig{
		{Enabled: false, Embedded: true},
		{Enabled: true, Embedded: false},
	} {
		srv, err := Start(cfg, testLogger())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if srv != nil {
			t.Fatalf("expected no embedded server for %+v", cfg)
		}
		srv.Shutdown()
	}
}

func TestStartAcceptsLargeFrames(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, MaxPayload: 2 << 20}, testLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	if !strings.HasPrefix(srv.ClientURL(), "nats://127.0.0.1:") {
		t.Fatalf("expected loopback url, got %s", srv.ClientURL())
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if got := nc.MaxPayload(); got != 2<<20 {
		t.Fatalf("expected max payload %d, got %d", 2<<20, got)
	}
}
