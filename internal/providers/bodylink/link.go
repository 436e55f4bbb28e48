package bodylink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"robotcore/internal/domain"
	"robotcore/internal/metrics"
	"robotcore/internal/protocol"
	"robotcore/internal/providers/backend"
	"robotcore/internal/state"
)

var (
	ErrLinkDown = errors.New("actuator link is down")
	ErrFailsafe = errors.New("actuator link is in failsafe")
)

// Config controls the actuator link.
type Config struct {
	URL string

	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	TelemetryInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Battery *state.Battery
	// OnBatteryAlert fires once each time the robot battery drops below the alert threshold.
	OnBatteryAlert func(level int)

	Dial  backend.DialFunc
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Link is the heartbeat-protected command channel to the body. Motion is only
// written while connected and while heartbeats are being acknowledged.
type Link struct {
	cfg     Config
	backoff backend.Backoff

	mu        sync.RWMutex
	conn      *websocket.Conn
	heartbeat domain.HeartbeatStatus

	writeMu sync.Mutex
}

func NewLink(cfg Config) *Link {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Link{
		cfg:     cfg,
		backoff: backend.Backoff{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
	}
}

// Connected reports whether a transport is open.
func (l *Link) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

// Heartbeat returns the current liveness bookkeeping.
func (l *Link) Heartbeat() domain.HeartbeatStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.heartbeat
}

// Run keeps the link connected until ctx ends.
func (l *Link) Run(ctx context.Context) error {
	if strings.TrimSpace(l.cfg.URL) == "" {
		return errors.New("actuator link url is not configured")
	}

	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := l.backoff.Next()
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ReconnectAttempts.WithLabelValues("body").Inc()
		}
		l.cfg.Logger.Warn().Err(err).Dur("retry_in", delay).Msg("actuator link lost")
		if err := l.cfg.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// Send writes one command. Motion is refused while disconnected or in failsafe;
// stop and light commands are allowed in failsafe.
func (l *Link) Send(cmd domain.ActuatorCommand) error {
	kind := commandKind(cmd)

	l.mu.RLock()
	conn := l.conn
	failsafe := l.heartbeat.Failsafe
	l.mu.RUnlock()

	if conn == nil {
		l.count(kind, "link_down")
		return ErrLinkDown
	}
	if failsafe && cmd.Motion() {
		l.count(kind, "failsafe")
		return ErrFailsafe
	}

	commandID := ""
	if _, ok := cmd.(domain.TelemetryRequest); !ok {
		commandID = uuid.NewString()
	}
	data, err := protocol.EncodeCommand(commandID, cmd)
	if err != nil {
		l.count(kind, "invalid")
		return err
	}
	if err := l.write(conn, data); err != nil {
		l.count(kind, "write_failed")
		return err
	}
	l.count(kind, "sent")
	l.cfg.Logger.Debug().Str("kind", kind).Str("command_id", commandID).Msg("actuator command sent")
	return nil
}

func (l *Link) session(ctx context.Context) error {
	conn, err := l.cfg.Dial(ctx, l.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to body: %w", err)
	}

	now := l.cfg.Now()
	l.mu.Lock()
	l.conn = conn
	l.heartbeat = domain.HeartbeatStatus{LastAcked: now}
	l.mu.Unlock()
	l.backoff.Reset()
	l.cfg.Metrics.SetLinkUp("body", true)
	l.cfg.Logger.Info().Str("url", l.cfg.URL).Msg("actuator link connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
		wg.Wait()
		l.cfg.Metrics.SetLinkUp("body", false)
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		l.heartbeatLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		l.telemetryLoop(sessionCtx)
	}()
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	return l.readLoop(conn)
}

// heartbeatLoop sends unconditionally while connected and trips failsafe once
// nothing has been acknowledged within the ack timeout.
func (l *Link) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	l.beat(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.beat(conn)
		}
	}
}

func (l *Link) beat(conn *websocket.Conn) {
	now := l.cfg.Now()
	data, err := protocol.EncodeHeartbeat(now)
	if err == nil {
		err = l.write(conn, data)
	}
	if err != nil {
		l.cfg.Logger.Warn().Err(err).Msg("heartbeat write failed")
	} else if l.cfg.Metrics != nil {
		l.cfg.Metrics.HeartbeatsSent.Inc()
	}

	l.mu.Lock()
	l.heartbeat.LastSent = now
	entered := !l.heartbeat.Failsafe && now.Sub(l.heartbeat.LastAcked) > l.cfg.AckTimeout
	if entered {
		l.heartbeat.Failsafe = true
	}
	l.mu.Unlock()

	if entered {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.FailsafeEntries.Inc()
		}
		l.cfg.Logger.Error().Dur("ack_timeout", l.cfg.AckTimeout).Msg("heartbeat unacknowledged, motion disabled")
	}
}

func (l *Link) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Send(domain.TelemetryRequest{}); err != nil {
				l.cfg.Logger.Debug().Err(err).Msg("telemetry request skipped")
			}
		}
	}
}

func (l *Link) readLoop(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read body frame: %w", err)
		}
		l.ack()

		switch msg := protocol.DecodeBody(payload).(type) {
		case protocol.Telemetry:
			l.handleTelemetry(msg)
		case protocol.Status:
			if strings.EqualFold(msg.Status, "error") {
				l.cfg.Logger.Warn().Str("command_id", msg.CommandID).Str("error", msg.ErrorMsg).Msg("body rejected command")
			}
		case protocol.UnknownBody:
			l.cfg.Logger.Debug().Str("type", msg.Type).Msg("unrecognized body frame")
		}
	}
}

// ack treats any frame from the body as proof that it is observing heartbeats.
func (l *Link) ack() {
	l.mu.Lock()
	l.heartbeat.LastAcked = l.cfg.Now()
	recovered := l.heartbeat.Failsafe
	l.heartbeat.Failsafe = false
	l.mu.Unlock()
	if recovered {
		l.cfg.Logger.Info().Msg("actuator link acknowledged again, motion enabled")
	}
}

func (l *Link) handleTelemetry(msg protocol.Telemetry) {
	if l.cfg.Battery == nil {
		return
	}
	if msg.Sensors != nil {
		l.cfg.Battery.SetSensors(domain.SensorReadings(msg.Sensors))
	}
	if l.cfg.Battery.Update(state.BatteryRobot, msg.Battery) && l.cfg.OnBatteryAlert != nil {
		l.cfg.OnBatteryAlert(msg.Battery)
	}
}

func (l *Link) write(conn *websocket.Conn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.AckTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write body frame: %w", err)
	}
	return nil
}

func (l *Link) count(kind, result string) {
	if l.cfg.Metrics == nil {
		return
	}
	l.cfg.Metrics.ActuatorCommands.WithLabelValues(kind, result).Inc()
}

func commandKind(cmd domain.ActuatorCommand) string {
	switch cmd.(type) {
	case domain.Move:
		return protocol.BodyMove
	case domain.Sequence:
		return protocol.BodyMoveSequence
	case domain.Stop:
		return protocol.BodyStop
	case domain.Light:
		return protocol.BodyLight
	case domain.TelemetryRequest:
		return protocol.BodyTelemetry
	default:
		return "unknown"
	}
}
