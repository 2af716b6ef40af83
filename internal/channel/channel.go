// Package channel manages the persistent duplex connection to the
// Madrasti real-time backend: authentication handshake, heartbeat, and
// bounded backoff-based reconnection. A Client owns its connection state
// exclusively; callers interact through Connect, Send, Disconnect, and the
// Events stream.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
	"github.com/Younes-bt/madrasti2-sub012/pkg/wire"
)

// State is the connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates connection events.
type EventKind int

const (
	// EventFrame carries a raw inbound frame
	EventFrame EventKind = iota

	// EventOpen fires after a successful open and auth send
	EventOpen

	// EventClosed fires after a clean, explicit disconnect
	EventClosed

	// EventConnectionLost fires when reconnection attempts are exhausted.
	// It is terminal; recovery requires a new Connect.
	EventConnectionLost
)

// Event is a typed connection event.
type Event struct {
	Kind  EventKind
	Frame []byte
	Err   error
}

// ErrNotOpen is returned by Send when the channel is not open. The message
// is dropped; callers must not assume delivery.
var ErrNotOpen = errors.New("channel: not open, message dropped")

// ErrAlreadyStarted is returned by Connect on a client that is already
// connecting or connected.
var ErrAlreadyStarted = errors.New("channel: already started")

// Conn is the transport surface the client needs. *websocket.Conn
// implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport connection.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func (d wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Replaceable in tests to observe and collapse reconnect delays.
var timeAfterFunc = time.AfterFunc

// Config contains channel client configuration
type Config struct {
	// Backend host and fixed channel port
	Host   string
	Port   int
	Secure bool

	// Identity and bearer token for the auth frame
	UserID string
	Token  string

	// Heartbeat interval while open
	HeartbeatInterval time.Duration

	// Reconnection policy: initial delay, doubling up to the ceiling,
	// attempts capped
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int
}

// DefaultConfig returns a default channel configuration
func DefaultConfig() Config {
	return Config{
		Port:                  8765,
		Secure:                true,
		HeartbeatInterval:     30 * time.Second,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		MaxReconnectAttempts:  5,
	}
}

// Client owns a single physical connection and its lifecycle.
type Client struct {
	config Config
	dialer Dialer
	events chan Event

	mu                sync.Mutex
	state             State
	conn              Conn
	gen               int
	reconnectAttempts int
	backoff           *backoff.ExponentialBackOff
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}

	writeMu sync.Mutex

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// New creates a channel client in the Idle state.
func New(config Config, options ...Option) *Client {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.ReconnectInitialDelay <= 0 {
		config.ReconnectInitialDelay = DefaultConfig().ReconnectInitialDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = DefaultConfig().ReconnectMaxDelay
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = DefaultConfig().MaxReconnectAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectInitialDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	c := &Client{
		config:  config,
		dialer:  wsDialer{dialer: websocket.DefaultDialer},
		events:  make(chan Event, 256),
		state:   StateIdle,
		backoff: b,
		logger:  log.With().Str("component", "channel").Logger(),
		metrics: metrics.GetMetrics(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// URL derives the channel endpoint from host, fixed port, and identity.
func (c *Client) URL() string {
	scheme := "ws"
	if c.config.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws/%s", scheme, c.config.Host, c.config.Port, c.config.UserID)
}

// Events returns the stream of connection events. Frames are delivered in
// arrival order; the stream is never closed by the client.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection lifecycle. A dial failure schedules a
// retry under the reconnection policy and is also returned to the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.reconnectAttempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial attempts one physical connection from the Connecting state.
func (c *Client) dial(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, c.URL())
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.URL()).Msg("Channel dial failed")
		c.mu.Lock()
		c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		// Disconnected while the dial was in flight
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	// Auth ack is informational only and does not gate Open
	auth, _ := json.Marshal(wire.AuthFrame{Type: "auth", Token: c.config.Token})
	if err := c.writeMessage(conn, websocket.TextMessage, auth); err != nil {
		c.logger.Warn().Err(err).Msg("Auth send failed")
		c.transportClosed(gen, err)
		return err
	}

	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		// Disconnected during the handshake; finish the clean close
		// instead of going Open
		finishClose := c.state == StateClosing
		c.conn = nil
		c.gen++
		if finishClose {
			c.setStateLocked(StateClosed)
		}
		c.mu.Unlock()
		conn.Close()
		if finishClose {
			c.logger.Info().Msg("Channel closed")
			c.emit(Event{Kind: EventClosed})
		}
		return nil
	}
	c.setStateLocked(StateOpen)
	c.reconnectAttempts = 0
	c.backoff.Reset()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.logger.Info().Str("url", c.URL()).Msg("Channel open")
	c.emit(Event{Kind: EventOpen})

	go c.heartbeatLoop(stop)
	go c.readLoop(gen, conn)
	return nil
}

// readLoop pumps inbound frames until the transport closes.
func (c *Client) readLoop(gen int, conn Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(gen, err)
			return
		}
		c.emit(Event{Kind: EventFrame, Frame: frame})
	}
}

// transportClosed handles any closure of the physical connection. Clean
// explicit closure is terminal; anything else re-enters the reconnection
// policy.
func (c *Client) transportClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection already replaced this one
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if c.state == StateClosing {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.logger.Info().Msg("Channel closed")
		c.emit(Event{Kind: EventClosed})
		return
	}

	c.scheduleReconnectLocked(err)
	c.mu.Unlock()
}

// scheduleReconnectLocked applies the reconnection policy after an
// unexpected closure. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked(cause error) {
	if c.reconnectAttempts >= c.config.MaxReconnectAttempts {
		c.setStateLocked(StateClosed)
		c.logger.Error().Err(cause).Int("attempts", c.reconnectAttempts).Msg("Reconnection attempts exhausted, giving up")
		c.emit(Event{Kind: EventConnectionLost, Err: cause})
		return
	}

	c.reconnectAttempts++
	delay := c.backoff.NextBackOff()
	c.setStateLocked(StateConnecting)
	c.metrics.ChannelReconnects.Inc()
	c.logger.Warn().
		Err(cause).
		Int("attempt", c.reconnectAttempts).
		Dur("delay", delay).
		Msg("Channel closed unexpectedly, scheduling reconnect")

	c.reconnectTimer = timeAfterFunc(delay, c.redial)
}

// redial retries the connection after a scheduled delay.
func (c *Client) redial() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.dial(context.Background())
}

// heartbeatLoop emits heartbeats on a fixed interval while the state
// remains Open. Heartbeats are fire-and-forget; a missing ack does not
// trigger reconnection.
func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Send(wire.HeartbeatFrame{Type: "heartbeat"}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Send transmits a message when the channel is open and the transport is
// ready. Otherwise the message is dropped with a warning and ErrNotOpen;
// there is no buffering and no delivery guarantee.
func (c *Client) Send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		c.logger.Warn().Str("state", state.String()).Msg("Channel not open, dropping outbound message")
		c.metrics.ChannelSendsDropped.Inc()
		return ErrNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode outbound message: %w", err)
	}
	if err := c.writeMessage(conn, websocket.TextMessage, data); err != nil {
		c.logger.Warn().Err(err).Msg("Channel write failed")
		return err
	}
	return nil
}

// Disconnect closes the channel cleanly (code 1000). The resulting Closed
// state is terminal: no reconnection is scheduled.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosing)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Nothing in flight; close out directly
		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.emit(Event{Kind: EventClosed})
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.writeMessage(conn, websocket.CloseMessage, msg); err != nil {
		c.logger.Debug().Err(err).Msg("Close frame write failed")
	}
	// The read loop observes the closure and finishes the transition
	return conn.Close()
}

// Drop forces an unexpected closure of the transport, re-entering the
// reconnection policy. Used when an auth failure arrives in-band and the
// token may simply need an upstream refresh.
func (c *Client) Drop(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.logger.Warn().Str("reason", reason).Msg("Dropping channel transport")
	conn.Close()
}

// ReconnectAttempts returns the current retry count.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

func (c *Client) writeMessage(conn Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.metrics.ChannelState.Set(float64(s))
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Int("kind", int(ev.Kind)).Msg("Event buffer full, dropping event")
	}
}
