package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/inference"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/refine"
	"github.com/loqalabs/loqa-dictate/internal/status"
)

const pruneEvery = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	version     string
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	history     *history.Store
	channel     *inference.Channel
	spawnClose  func(context.Context) error
	bridge      *dictation.BusBridge
	status      *status.Publisher
	hub         *eventHub
	unsubscribe []func()
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown
	defer func() {
		if err != nil {
			r.shutdown()
		}
	}()

	svc, err := r.build(ctx)
	if err != nil {
		return err
	}

	a := &api{
		cfg:       r.cfg,
		log:       r.logger.With(slog.String("component", "http")),
		dictation: svc,
		channel:   r.channel,
		history:   r.history,
		hub:       r.hub,
		metrics:   tel.metrics,
		ready:     r.isReady,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if r.cfg.Inference.PreloadModel {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			progress := func(p inference.Progress) { r.hub.broadcast(eventProgress, p) }
			if err := svc.Preload(ctx, progress); err != nil {
				r.logger.Warn("model preload failed", slogError(err))
			}
		}()
	}

	if r.history.Enabled() {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) build(ctx context.Context) (*dictation.Service, error) {
	store, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	r.history = store

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.nats = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		r.bus = client
	}

	conditioner, err := NewConditioner(r.cfg.Conditioner)
	if err != nil {
		return nil, fmt.Errorf("configure conditioner: %w", err)
	}

	spawner, spawnClose, err := NewSpawner(ctx, r.cfg.Inference, r.logger)
	if err != nil {
		return nil, fmt.Errorf("configure inference: %w", err)
	}
	r.spawnClose = spawnClose
	r.channel = inference.NewChannel(spawner, inference.Options{
		ModelPath: r.cfg.Inference.ModelPath,
		Language:  r.cfg.Inference.Language,
		Logger:    r.logger,
	})

	var refiner refine.Refiner
	if r.cfg.Refine.Enabled {
		refiner, err = refine.New(r.cfg.Refine)
		if err != nil {
			return nil, fmt.Errorf("configure refinement: %w", err)
		}
	}

	deps := dictation.Deps{
		Conditioner: conditioner,
		Channel:     r.channel,
		Refiner:     refiner,
		History:     store,
		Logger:      r.logger,
	}
	if r.bus != nil {
		deps.Publisher = dictation.NewBusPublisher(r.bus)
	}
	svc := dictation.NewService(r.cfg.Dictation, r.cfg.Refine.Instruction, deps)

	r.hub = newEventHub(r.cfg.HTTP.AllowedOrigins, r.logger)
	r.unsubscribe = append(r.unsubscribe,
		r.channel.Watch(func(change inference.StateChange) {
			r.hub.broadcast(eventState, stateEvent(change))
		}),
		svc.OnResult(func(res dictation.Result) {
			r.hub.broadcast(eventTranscript, res)
		}),
	)

	if r.bus != nil {
		r.bridge = dictation.NewBusBridge(ctx, r.cfg.Dictation, svc, r.bus, r.logger)
		if err := r.bridge.Start(); err != nil {
			return nil, err
		}
		if r.cfg.Status.Enabled {
			pub, err := status.NewPublisher(ctx, r.cfg.Status, r.bus, r.channel, r.logger)
			if err != nil {
				return nil, err
			}
			r.status = pub
		}
	}
	return svc, nil
}

type stateChange struct {
	From  inference.State `json:"from"`
	To    inference.State `json:"to"`
	Error string          `json:"error,omitempty"`
}

func stateEvent(change inference.StateChange) stateChange {
	ev := stateChange{From: change.From, To: change.To}
	if change.Err != nil {
		ev.Error = change.Err.Error()
	}
	return ev
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.history.Prune(ctx); err != nil {
				r.logger.Warn("history prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return r.history.Ping(ctx) == nil
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	for _, fn := range r.unsubscribe {
		fn()
	}
	if r.hub != nil {
		r.hub.close()
	}
	if r.status != nil {
		r.status.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	r.wg.Wait()
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close inference channel: %w", err))
		}
	}
	if r.spawnClose != nil {
		if err := r.spawnClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close spawner: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
