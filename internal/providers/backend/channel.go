package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"robotcore/internal/metrics"
	"robotcore/internal/protocol"
)

var (
	ErrNotReady     = errors.New("backend channel is not authenticated")
	ErrDisconnected = errors.New("backend channel was disconnected")
	errAuthRejected = errors.New("backend rejected authentication")
)

// Status is the connection lifecycle of the channel.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusAuthenticated Status = "authenticated"
)

// DialFunc opens the websocket transport.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// Config controls the backend channel.
type Config struct {
	URL      string
	APIKey   string
	DeviceID string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AuthTimeout    time.Duration
	PingInterval   time.Duration

	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	OnStatus func(Status)

	Dial  DialFunc
	Sleep func(ctx context.Context, d time.Duration) error
}

// Channel keeps one authenticated streaming connection to the backend and
// reconnects with capped exponential backoff until Disconnect is called.
type Channel struct {
	cfg     Config
	backoff Backoff

	incoming chan protocol.Incoming

	statusMu sync.RWMutex
	status   Status

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
}

func NewChannel(cfg Config) *Channel {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Channel{
		cfg:      cfg,
		backoff:  Backoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		incoming: make(chan protocol.Incoming, 64),
		status:   StatusDisconnected,
		stop:     make(chan struct{}),
	}
}

// Incoming delivers decoded backend frames in arrival order. AuthOK is consumed
// by the channel itself.
func (c *Channel) Incoming() <-chan protocol.Incoming {
	return c.incoming
}

// Status returns the current connection lifecycle state.
func (c *Channel) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Run connects and keeps reconnecting until ctx ends or Disconnect is called.
func (c *Channel) Run(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return errors.New("backend url is not configured")
	}
	defer c.setStatus(StatusDisconnected)

	for {
		if c.stopped(ctx) {
			return nil
		}

		err := c.session(ctx)
		c.setStatus(StatusDisconnected)
		if c.stopped(ctx) {
			return nil
		}

		delay := c.backoff.Next()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ReconnectAttempts.WithLabelValues("backend").Inc()
		}
		c.cfg.Logger.Warn().Err(err).Dur("retry_in", delay).Msg("backend connection lost")

		sleepCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-sleepCtx.Done():
			}
		}()
		sleepErr := c.cfg.Sleep(sleepCtx, delay)
		cancel()
		if sleepErr != nil && c.stopped(ctx) {
			return nil
		}
	}
}

// Send writes a structured control frame. It fails with ErrNotReady until the
// backend has acknowledged authentication.
func (c *Channel) Send(msg protocol.Outgoing) error {
	if c.Status() != StatusAuthenticated {
		return ErrNotReady
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// SendAudio writes one raw binary audio frame.
func (c *Channel) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if c.Status() != StatusAuthenticated {
		return ErrNotReady
	}
	return c.write(websocket.BinaryMessage, chunk)
}

// Disconnect closes the transport and stops reconnecting.
func (c *Channel) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) session(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	header := http.Header{}
	header.Set("X-Device-ID", c.cfg.DeviceID)
	conn, err := c.cfg.Dial(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to backend: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()
	}()

	// A caller may have disconnected while the dial was in flight.
	if c.stopped(ctx) {
		return ErrDisconnected
	}

	c.backoff.Reset()
	c.setStatus(StatusConnected)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-c.stop:
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	// Keepalive is the transport's ping/pong; any pong extends the read deadline.
	grace := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(grace))
	})
	go c.ping(conn, done)

	return c.readLoop(ctx, conn)
}

func (c *Channel) authenticate(conn *websocket.Conn) error {
	data, err := protocol.Encode(protocol.NewAuth(c.cfg.APIKey, c.cfg.DeviceID))
	if err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed waiting for auth_ok: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		switch msg := protocol.Decode(payload).(type) {
		case protocol.AuthOK:
			_ = conn.SetReadDeadline(time.Time{})
			c.cfg.Logger.Info().Str("session_id", msg.SessionID).Msg("backend authenticated")
			c.setStatus(StatusAuthenticated)
			return nil
		case protocol.Error:
			return fmt.Errorf("%w: %s", errAuthRejected, msg.Message)
		default:
			c.cfg.Logger.Debug().Str("type", msg.MessageType()).Msg("ignoring frame before auth_ok")
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read backend frame: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		msg := protocol.Decode(payload)
		switch m := msg.(type) {
		case protocol.AuthOK:
			continue
		case protocol.Unknown:
			c.cfg.Logger.Warn().Str("type", m.Type).Str("reason", m.Reason).Msg("unrecognized backend frame")
		}

		select {
		case c.incoming <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrDisconnected
		}
	}
}

func (c *Channel) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) write(kind int, data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("failed to write backend frame: %w", err)
	}
	return nil
}

func (c *Channel) setStatus(status Status) {
	c.statusMu.Lock()
	changed := c.status != status
	c.status = status
	c.statusMu.Unlock()
	if !changed {
		return
	}

	c.cfg.Metrics.SetLinkUp("backend", status == StatusAuthenticated)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(status)
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
