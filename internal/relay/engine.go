// Package relay wires the stream session, decoder, crypto, dedup store,
// and dispatcher into the realtime relay engine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"pbrelay/internal/dedup"
	"pbrelay/internal/state"
	"pbrelay/pushbullet"
)

// Engine consumes the stream session's frames and turns them into local
// notification actions. One engine per process; all event processing
// happens on a single loop, so the dedup store sees a serial history.
type Engine struct {
	session    *pushbullet.Session
	client     *pushbullet.Client
	cipher     *pushbullet.Cipher // nil when e2e is not configured
	store      *dedup.Store
	state      *state.State
	filter     *Filter
	dispatcher *Dispatcher
	logger     *slog.Logger

	// everConnected gates the "connection lost" notice so a failing
	// first connect does not spam the user before anything worked.
	everConnected bool
}

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Token          string
	StreamEndpoint string // defaults to the public endpoint

	Client     *pushbullet.Client
	Cipher     *pushbullet.Cipher
	Store      *dedup.Store
	State      *state.State
	Filter     *Filter
	Dispatcher *Dispatcher
}

// NewEngine creates the engine and its stream session.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		client:     cfg.Client,
		cipher:     cfg.Cipher,
		store:      cfg.Store,
		state:      cfg.State,
		filter:     cfg.Filter,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}

	e.session = pushbullet.NewSession(pushbullet.SessionConfig{
		Token:         cfg.Token,
		Endpoint:      cfg.StreamEndpoint,
		OnStateChange: e.onSessionState,
	}, logger)

	return e
}

// Run connects the stream and processes frames until ctx is cancelled or
// the session fails permanently (bad credentials). On a clean shutdown it
// returns nil.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.session.Listen(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case frame, ok := <-e.session.Frames():
				if !ok {
					return nil
				}
				e.handleFrame(gctx, frame)

			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}

	return err
}

// onSessionState surfaces connectivity changes to the user, matching the
// classic pbns startup and connection-lost notices. Runs on the session's
// Listen goroutine; the dispatcher calls out to the sink directly.
func (e *Engine) onSessionState(old, next pushbullet.SessionState) {
	e.logger.Info("session state",
		slog.String("from", old.String()),
		slog.String("to", next.String()),
	)

	switch {
	case next == pushbullet.StateConnected && !e.everConnected:
		e.everConnected = true
		e.dispatcher.Notice(context.Background(), "pbrelay started",
			"Now listening for pushes and mirrored notifications.")

	case next == pushbullet.StateReconnecting && old == pushbullet.StateConnected:
		e.dispatcher.Notice(context.Background(), "pbrelay connection lost",
			"Connection to Pushbullet was lost. Relaying resumes automatically once it is regained.")
	}
}

// handleFrame processes one raw frame from the stream. Every failure in
// here is per-event: log, drop, continue.
func (e *Engine) handleFrame(ctx context.Context, data []byte) {
	frame, err := pushbullet.DecodeFrame(data)
	if err != nil {
		e.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Type {
	case pushbullet.FrameTickle:
		e.handleTickle(ctx, frame.Subtype)

	case pushbullet.FramePush:
		e.handleEphemeral(ctx, frame.Push)
	}
}

// handleTickle reacts to a contentless change signal by fetching what
// changed over REST.
func (e *Engine) handleTickle(ctx context.Context, subtype string) {
	switch subtype {
	case pushbullet.TicklePush:
		if err := e.backfill(ctx); err != nil {
			e.logger.Warn("push backfill failed", slog.String("error", err.Error()))
		}

	case pushbullet.TickleDevice:
		if err := e.refreshDevices(ctx); err != nil {
			e.logger.Warn("device refresh failed", slog.String("error", err.Error()))
		}

	default:
		e.logger.Debug("ignoring tickle", slog.String("subtype", subtype))
	}
}

// handleEphemeral decrypts (when needed), decodes, dedups, and dispatches
// one inline ephemeral payload.
func (e *Engine) handleEphemeral(ctx context.Context, payload []byte) {
	if pushbullet.IsEncrypted(payload) {
		if e.cipher == nil {
			e.logger.Warn("dropping encrypted ephemeral: no e2e passphrase configured")
			return
		}

		ciphertext, err := pushbullet.Ciphertext(payload)
		if err != nil {
			e.logger.Warn("dropping malformed encrypted ephemeral", slog.String("error", err.Error()))
			return
		}

		plaintext, err := e.cipher.DecryptEphemeral(ciphertext)
		if err != nil {
			if errors.Is(err, pushbullet.ErrDecrypt) {
				e.logger.Warn("dropping undecryptable ephemeral; wrong passphrase or corrupted payload")
			} else {
				e.logger.Warn("dropping encrypted ephemeral", slog.String("error", err.Error()))
			}
			return
		}
		payload = plaintext
	}

	ev, err := pushbullet.DecodeEphemeral(payload)
	if err != nil {
		e.logger.Debug("dropping ephemeral", slog.String("error", err.Error()))
		return
	}

	e.process(ctx, ev)
}

// process runs the dedup gate and dispatch for one decoded event.
// Dismissals skip the gate: they carry no per-delivery discriminator, so
// a second dismissal for the same key would hash identically to the
// first and be swallowed here. The dispatcher is already idempotent for
// them: an unmatched key no-ops.
func (e *Engine) process(ctx context.Context, ev pushbullet.Event) {
	if !e.filter.Allows(ev) {
		e.logger.Debug("event muted by filters", slog.String("kind", string(ev.Kind)))
		return
	}

	if ev.Kind != pushbullet.KindDismissal && !e.store.Admit(ev.ID) {
		e.logger.Debug("duplicate event suppressed",
			slog.String("kind", string(ev.Kind)),
			slog.String("event_id", ev.ID),
		)
		return
	}

	e.dispatcher.Dispatch(ctx, ev)
}

// backfill fetches pushes modified after the persisted cursor and feeds
// them through the same dedup and dispatch path as inline events. The
// cursor advances even for pushes that end up skipped, so a restart never
// replays them.
func (e *Engine) backfill(ctx context.Context) error {
	cursor := e.state.Cursor()

	pushes, err := e.client.Pushes(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetching pushes after %f: %w", cursor, err)
	}

	for _, p := range pushes {
		if err := e.state.SetCursor(p.Modified); err != nil {
			e.logger.Warn("persisting push cursor",
				slog.String("iden", p.Iden),
				slog.String("error", err.Error()),
			)
		}

		if !p.Active {
			continue
		}

		e.process(ctx, pushbullet.PushEvent(p))
	}

	return nil
}

// refreshDevices re-fetches the device catalog into the bbolt cache.
func (e *Engine) refreshDevices(ctx context.Context) error {
	devices, err := e.client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	if err := e.state.SetDevices(devices); err != nil {
		return fmt.Errorf("caching devices: %w", err)
	}

	e.logger.Debug("device catalog refreshed", slog.Int("devices", len(devices)))

	return nil
}
