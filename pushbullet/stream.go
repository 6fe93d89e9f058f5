package pushbullet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultEndpoint = "wss://stream.pushbullet.com/websocket"

	// The server sends a nop roughly every 30 seconds. If nothing at all
	// arrives within staleAfter, the connection is considered dead.
	staleAfter       = 95 * time.Second
	heartbeatCheckAt = 10 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// streamReadLimit bounds frame size. Mirrors carry a base64 icon, so
	// frames can reach a few hundred KB; 1MB gives headroom.
	streamReadLimit = 1 * 1024 * 1024

	frameChanSize   = 64
	inboundChanSize = 64
)

// SessionState is the explicit connection state machine.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// inboundMsg wraps a message read from the websocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the websocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Session owns the persistent stream connection to Pushbullet.
//
// Architecture: a reader goroutine feeds inboundCh with raw websocket
// messages. Listen runs a single loop that forwards non-heartbeat frames
// to frameCh, watches for staleness, and reconnects with capped
// exponential backoff. Consumers pull from Frames, so backpressure and
// cancellation stay with the engine rather than a callback API.
type Session struct {
	logger *slog.Logger

	token    string
	endpoint string

	// conn and connCancel belong to the current connection. Listen
	// rewrites them on every reconnect; Close reads them from other
	// goroutines, so access goes through connMu.
	conn       wsConn
	connCancel context.CancelFunc
	connMu     sync.Mutex

	// dial is swapped out in tests to avoid real network connections.
	dial func(ctx context.Context) (wsConn, error)

	// frameCh carries admitted raw frames to the consumer.
	frameCh chan []byte

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	state   SessionState
	stateMu sync.RWMutex

	// onStateChange, when set, is invoked from the Listen goroutine after
	// every transition. Used by the engine to surface connectivity to the
	// user.
	onStateChange func(old, next SessionState)
}

// SessionConfig holds the parameters for a stream session.
type SessionConfig struct {
	Token    string
	Endpoint string // defaults to the public stream endpoint

	OnStateChange func(old, next SessionState)
}

// NewSession creates a stream session. The connection is not dialed until
// Listen runs.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	s := &Session{
		logger:        logger,
		token:         cfg.Token,
		endpoint:      endpoint,
		frameCh:       make(chan []byte, frameChanSize),
		state:         StateDisconnected,
		onStateChange: cfg.OnStateChange,
	}
	s.dial = s.dialWebsocket

	return s
}

// Frames returns the channel of admitted raw frames. Closed when Listen
// returns.
func (s *Session) Frames() <-chan []byte {
	return s.frameCh
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(next SessionState) {
	s.stateMu.Lock()
	old := s.state
	s.state = next
	s.stateMu.Unlock()

	if old != next && s.onStateChange != nil {
		s.onStateChange(old, next)
	}
}

// dialWebsocket opens the real websocket connection. The token rides in
// the URL path per the stream API contract, so it must never be logged.
func (s *Session) dialWebsocket(ctx context.Context) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, s.endpoint+"/"+s.token, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dialing stream (%d): %w", resp.StatusCode, ErrAuth)
		}
		return nil, fmt.Errorf("dialing stream: %w", err)
	}

	conn.SetReadLimit(streamReadLimit)
	return conn, nil
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message. The goroutine
// captures ch and conn by value so a stale reader from a previous
// connection cannot touch the new connection's channel or socket.
func (s *Session) startReader(connCtx context.Context, conn wsConn) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen connects and pumps frames until ctx is cancelled or an
// unrecoverable error occurs. Transport failures trigger reconnection
// with capped exponential backoff; authentication failures are terminal.
// frameCh is closed on return.
func (s *Session) Listen(ctx context.Context) error {
	defer close(s.frameCh)
	defer s.setState(StateTerminated)

	backoff := reconnectMin

	for {
		s.setState(StateConnecting)

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrAuth) {
				return fmt.Errorf("connecting stream: %w", err)
			}

			s.setState(StateReconnecting)
			s.logger.Warn("stream connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		connCtx, connCancel := context.WithCancel(ctx)

		s.connMu.Lock()
		s.conn = conn
		s.connCancel = connCancel
		s.connMu.Unlock()

		s.touchLastMessage()
		backoff = reconnectMin
		s.setState(StateConnected)
		s.logger.Info("stream connected")

		s.startReader(connCtx, conn)

		err = s.pumpFrames(ctx, connCtx)
		connCancel()
		conn.Close(websocket.StatusGoingAway, "reconnecting")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateReconnecting)
		s.logger.Warn("stream connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		if err := s.sleep(ctx, withJitter(backoff)); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

// pumpFrames forwards frames from one live connection until it fails.
// Nop heartbeats reset the staleness timer and are swallowed; everything
// else goes to frameCh. Returns the connection-level error.
func (s *Session) pumpFrames(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if gjson.GetBytes(msg.data, "type").Str == FrameNop {
				continue
			}

			select {
			case s.frameCh <- msg.data:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > staleAfter {
				s.logger.Warn("stream heartbeat missed, closing",
					slog.Duration("silent_for", elapsed),
				)
				return fmt.Errorf("heartbeat timeout after %s", elapsed.Round(time.Second))
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// sleep waits for the given duration or until ctx is cancelled.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close shuts down the current connection. Safe to call from any
// goroutine while Listen runs. Listen observes the closure via its
// context and does not reconnect once that context is cancelled.
func (s *Session) Close() error {
	s.connMu.Lock()
	cancel, conn := s.connCancel, s.conn
	s.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (s *Session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(cur time.Duration) time.Duration {
	return min(cur*2, reconnectMax)
}

// withJitter adds up to 50% random jitter so a fleet of clients does not
// reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d)/2))
}
