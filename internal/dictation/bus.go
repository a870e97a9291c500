package dictation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	frameIdleTimeout = 2 * time.Minute
	expireEvery      = 30 * time.Second
)

// BusPublisher broadcasts finished dictations on the bus.
type BusPublisher struct {
	bus *bus.Client
}

func NewBusPublisher(client *bus.Client) *BusPublisher {
	return &BusPublisher{bus: client}
}

func (p *BusPublisher) PublishTranscript(res Result) error {
	return p.bus.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID:  res.SessionID,
		Text:       res.Transcript,
		Refined:    res.Refined,
		Timestamp:  time.Now().UTC(),
		DurationMS: res.Duration.Milliseconds(),
	})
}

// BusBridge feeds the Service from the bus: streamed microphone frames and
// request/reply dictations.
type BusBridge struct {
	cfg       config.DictationConfig
	svc       *Service
	bus       *bus.Client
	assembler *capture.Assembler
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	ready  bool
}

func NewBusBridge(parent context.Context, cfg config.DictationConfig, svc *Service, busClient *bus.Client, logger *slog.Logger) *BusBridge {
	ctx, cancel := context.WithCancel(parent)
	return &BusBridge{
		cfg:       cfg,
		svc:       svc,
		bus:       busClient,
		assembler: capture.NewAssembler(cfg.FrameSampleRate, cfg.FrameChannels, cfg.MaxSessionBytes),
		logger:    logger.With(slog.String("component", "dictation-bus")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *BusBridge) Start() error {
	conn := b.bus.Conn()
	sub, err := conn.Subscribe(protocol.SubjectDictationRequest, b.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe dictation requests: %w", err)
	}
	b.subs = append(b.subs, sub)

	if b.cfg.SubscribeFrames {
		sub, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", b.handleFrame)
		if err != nil {
			b.drain()
			return fmt.Errorf("subscribe audio frames: %w", err)
		}
		b.subs = append(b.subs, sub)

		b.wg.Add(1)
		go b.expireLoop()
	}
	b.ready = true
	return nil
}

func (b *BusBridge) Close() {
	b.cancel()
	b.drain()
	b.wg.Wait()
}

func (b *BusBridge) Healthy() bool {
	return b.ready && b.bus.Healthy()
}

func (b *BusBridge) drain() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func (b *BusBridge) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	buf, done, err := b.assembler.Add(frame)
	if err != nil {
		b.logger.Warn("dropping audio frame", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}
	if !done {
		return
	}
	b.dispatch(func(ctx context.Context) {
		_, err := b.svc.Dictate(ctx, Request{
			SessionID: frame.SessionID,
			Source:    "bus",
			Audio:     buf,
			Refine:    b.cfg.RefineByDefault,
		})
		if err != nil {
			b.logger.Warn("streamed dictation failed", slog.String("session_id", frame.SessionID), slogError(err))
		}
	})
}

func (b *BusBridge) handleRequest(msg *nats.Msg) {
	var req protocol.DictationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.respond(msg, protocol.DictationReply{Error: err.Error(), ErrorCode: CodeDecode})
		return
	}
	b.dispatch(func(ctx context.Context) {
		res, err := b.svc.Dictate(ctx, Request{
			SessionID:   req.SessionID,
			Source:      "bus",
			Audio:       audio.EncodedAudioBuffer{Data: req.Audio, ContainerType: req.ContainerType},
			Refine:      req.Refine,
			Instruction: req.Instruction,
		})
		reply := protocol.DictationReply{
			SessionID:  res.SessionID,
			Transcript: res.Transcript,
			Refined:    res.Refined,
		}
		if err != nil {
			reply.Error = err.Error()
			reply.ErrorCode = ErrorCode(err)
		}
		b.respond(msg, reply)
	})
}

func (b *BusBridge) dispatch(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

func (b *BusBridge) respond(msg *nats.Msg, reply protocol.DictationReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Warn("failed to marshal dictation reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("failed to send dictation reply", slogError(err))
	}
}

func (b *BusBridge) expireLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(expireEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range b.assembler.Expire(frameIdleTimeout) {
				b.logger.Warn("discarding abandoned audio stream", slog.String("session_id", id))
			}
		}
	}
}
