// Package session owns the single outbound WebSocket connection to the
// controller. It drives connect/reconnect with backoff, serializes frame
// writes, and surfaces lifecycle and inbound-message events to a Handler.
// No other component ever touches the raw connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/smstool/gateway/internal/backoff"
	"github.com/smstool/gateway/internal/protocol"
)

// ErrNotConnected is returned by Send when there is no live connection.
// Callers queue reports through the job store, not through this layer.
var ErrNotConnected = errors.New("session: not connected")

// Handler receives session lifecycle events and inbound frames. OnMessage is
// invoked from a single goroutine, so inbound handling for a session is
// strictly ordered.
type Handler interface {
	OnOpened()
	OnMessage(data []byte)
	OnClosed(reason string)
	OnFailed(err error)
}

// Config carries the session engine settings.
type Config struct {
	// Endpoint is the controller URL; normalized via NormalizeEndpoint.
	Endpoint string
	// DialTimeout bounds a single connection attempt. Defaults to 10s.
	DialTimeout time.Duration
	// Policy computes the reconnect delay. Defaults to backoff.Reconnect().
	Policy *backoff.Policy
}

// Engine maintains at most one logical connection to the controller.
type Engine struct {
	endpoint    string
	dialTimeout time.Duration
	policy      *backoff.Policy
	handler     Handler
	logger      zerolog.Logger

	mu               sync.Mutex
	conn             net.Conn
	connecting       bool
	closed           bool
	reconnectAttempt int
	reconnectTimer   *time.Timer

	writeMu sync.Mutex
}

// New constructs a session engine. The handler is required.
func New(cfg Config, handler Handler, logger zerolog.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("session: endpoint must be provided")
	}
	if handler == nil {
		return nil, errors.New("session: handler dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = backoff.Reconnect()
	}

	return &Engine{
		endpoint:    NormalizeEndpoint(cfg.Endpoint),
		dialTimeout: cfg.DialTimeout,
		policy:      cfg.Policy,
		handler:     handler,
		logger:      logger.With().Str("component", "session").Logger(),
	}, nil
}

// NormalizeEndpoint ensures the URL carries a ws:// or wss:// scheme and the
// well-known /ws path suffix.
func NormalizeEndpoint(raw string) string {
	url := strings.TrimSpace(raw)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, "/ws") {
		url = strings.TrimSuffix(url, "/") + "/ws"
	}
	return url
}

// Endpoint returns the normalized endpoint this engine dials.
func (e *Engine) Endpoint() string {
	return e.endpoint
}

// Connect starts a connection attempt. It is a no-op while already
// connecting or connected, and after Close.
func (e *Engine) Connect() {
	e.mu.Lock()
	if e.closed || e.connecting || e.conn != nil {
		e.mu.Unlock()
		e.logger.Warn().Msg("already connecting or connected")
		return
	}
	e.connecting = true
	e.mu.Unlock()

	go e.dial()
}

func (e *Engine) dial() {
	e.logger.Info().Str("endpoint", e.endpoint).Msg("connecting")

	ctx, cancel := context.WithTimeout(context.Background(), e.dialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, e.endpoint)
	if err != nil {
		e.mu.Lock()
		e.connecting = false
		closed := e.closed
		e.mu.Unlock()

		e.logger.Error().Err(err).Msg("connection failed")
		e.handler.OnFailed(err)
		if !closed {
			e.scheduleReconnect()
		}
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.conn = conn
	e.connecting = false
	e.reconnectAttempt = 0
	e.mu.Unlock()

	e.logger.Info().Msg("connected")
	e.handler.OnOpened()
	go e.readLoop(conn)
}

func (e *Engine) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			e.mu.Lock()
			detached := e.conn != conn
			if !detached {
				e.conn = nil
			}
			closed := e.closed
			e.mu.Unlock()

			if detached || closed {
				// Manual disconnect or engine shutdown already handled it.
				return
			}

			e.logger.Warn().Err(err).Msg("connection lost")
			e.handler.OnClosed(err.Error())
			e.scheduleReconnect()
			return
		}
		e.handler.OnMessage(data)
	}
}

// Send encodes and writes one outbound message. On a dead connection the
// message is dropped with a warning and ErrNotConnected is returned.
func (e *Engine) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		e.logger.Warn().Msg("not connected, message dropped")
		return ErrNotConnected
	}

	e.writeMu.Lock()
	err = wsutil.WriteClientText(conn, data)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("session: write frame: %w", err)
	}
	return nil
}

// Connected reports whether a live connection exists.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Disconnect tears down the current connection and cancels any pending
// reconnect. The engine stays usable; Connect may be called again.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.connecting = false
	e.reconnectAttempt = 0
	e.cancelReconnectLocked()
	e.mu.Unlock()

	if conn != nil {
		e.closeConn(conn)
		e.logger.Info().Msg("disconnected")
	}
}

// Close disconnects and permanently stops the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	conn := e.conn
	e.conn = nil
	e.connecting = false
	e.cancelReconnectLocked()
	e.mu.Unlock()

	if conn != nil {
		e.closeConn(conn)
	}
}

func (e *Engine) closeConn(conn net.Conn) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	e.writeMu.Lock()
	_ = ws.WriteFrame(conn, ws.MaskFrame(frame))
	e.writeMu.Unlock()
	_ = conn.Close()
}

func (e *Engine) cancelReconnectLocked() {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

func (e *Engine) scheduleReconnect() {
	e.mu.Lock()
	if e.closed || e.reconnectTimer != nil {
		e.mu.Unlock()
		return
	}
	e.reconnectAttempt++
	attempt := e.reconnectAttempt
	delay := e.policy.Delay(attempt - 1)
	e.reconnectTimer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.reconnectTimer = nil
		e.mu.Unlock()
		e.Connect()
	})
	e.mu.Unlock()

	e.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}
