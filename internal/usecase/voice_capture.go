package usecase

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"robotcore/internal/domain"
	"robotcore/internal/metrics"
	"robotcore/internal/ports"
)

var ErrEncoding = errors.New("utterance encoding failed")

const frameDuration = 20 * time.Millisecond

// CaptureConfig controls microphone capture and endpoint detection.
type CaptureConfig struct {
	Audio     ports.AudioConfig
	ChunkSize int
	// EnergyThreshold is the normalized RMS level above which a frame is speech.
	EnergyThreshold float64
	SilenceStop     time.Duration
	Grace           time.Duration
	MaxLength       time.Duration
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.ChunkSize < 256 {
		c.ChunkSize = 4096
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.02
	}
	if c.SilenceStop <= 0 {
		c.SilenceStop = 1500 * time.Millisecond
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 30 * time.Second
	}
	return c
}

// CaptureFunc receives the single result of a capture session.
type CaptureFunc func(utterance domain.Utterance, err error)

// VoiceCapture records one utterance at a time from the microphone.
type VoiceCapture struct {
	audio   ports.AudioCapture
	encoder ports.AudioEncoder
	cfg     CaptureConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *captureSession
}

type captureSession struct {
	cancel context.CancelFunc
	audio  ports.AudioSession
	done   chan struct{}
}

func NewVoiceCapture(audio ports.AudioCapture, encoder ports.AudioEncoder, cfg CaptureConfig, logger zerolog.Logger, m *metrics.Metrics) *VoiceCapture {
	return &VoiceCapture{
		audio:   audio,
		encoder: encoder,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
	}
}

// Start opens the microphone and begins endpoint detection. In continuous mode
// the no-speech grace discard is disabled and a silent hard cap restarts the
// detector instead of ending the capture. Starting while active is a no-op.
func (v *VoiceCapture) Start(ctx context.Context, continuous bool, emit CaptureFunc) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil {
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	audio, err := v.audio.Start(sessionCtx, v.cfg.Audio)
	if err != nil {
		cancel()
		v.count(domain.CaptureFailed)
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	session := &captureSession{cancel: cancel, audio: audio, done: make(chan struct{})}
	v.current = session
	go v.run(sessionCtx, session, newEndpointer(v.cfg, continuous), emit)
	return nil
}

// Stop releases the microphone and suppresses any pending result. It is idempotent.
func (v *VoiceCapture) Stop() {
	v.mu.Lock()
	session := v.current
	v.current = nil
	v.mu.Unlock()
	if session == nil {
		return
	}
	session.cancel()
	_ = session.audio.Stop()
	<-session.done
}

func (v *VoiceCapture) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current != nil
}

func (v *VoiceCapture) run(ctx context.Context, session *captureSession, ep *endpointer, emit CaptureFunc) {
	defer close(session.done)
	defer func() { _ = session.audio.Stop() }()

	frameBytes := ep.frameBytes
	buf := make([]byte, v.cfg.ChunkSize)
	var pending []byte
	for {
		n, err := session.audio.Read(buf)
		pending = append(pending, buf[:n]...)
		for len(pending) >= frameBytes {
			frame := pending[:frameBytes]
			pending = pending[frameBytes:]
			if outcome, done := ep.push(frame); done {
				v.finish(ctx, session, ep, outcome, emit)
				return
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			outcome := domain.CaptureDiscarded
			if ep.speech {
				outcome = domain.CaptureVADStop
			}
			v.finish(ctx, session, ep, outcome, emit)
			return
		}
		v.deliver(session, domain.Utterance{Outcome: domain.CaptureFailed}, fmt.Errorf("microphone read failed: %w", err), emit)
		return
	}
}

func (v *VoiceCapture) finish(ctx context.Context, session *captureSession, ep *endpointer, outcome domain.CaptureOutcome, emit CaptureFunc) {
	if ctx.Err() != nil {
		return
	}
	if outcome == domain.CaptureDiscarded {
		v.deliver(session, domain.Utterance{Outcome: outcome}, nil, emit)
		return
	}

	pcm := ep.utterance()
	utterance := domain.Utterance{
		PCM:      pcm,
		Format:   "pcm_s16le",
		Duration: ep.duration(len(pcm)),
		Outcome:  outcome,
	}
	if v.encoder != nil {
		packets, err := v.encoder.Encode(pcm)
		if err != nil {
			v.deliver(session, domain.Utterance{Outcome: domain.CaptureFailed}, fmt.Errorf("%w: %v", ErrEncoding, err), emit)
			return
		}
		utterance.Encoded = packets
		utterance.Format = v.encoder.Format()
	}
	v.deliver(session, utterance, nil, emit)
}

// deliver emits only if the session was not stopped in the meantime.
func (v *VoiceCapture) deliver(session *captureSession, utterance domain.Utterance, err error, emit CaptureFunc) {
	v.mu.Lock()
	current := v.current == session
	if current {
		v.current = nil
	}
	v.mu.Unlock()
	if !current {
		return
	}

	v.count(utterance.Outcome)
	v.logger.Debug().
		Str("outcome", string(utterance.Outcome)).
		Dur("duration", utterance.Duration).
		Err(err).
		Msg("voice capture finished")
	if emit != nil {
		emit(utterance, err)
	}
}

func (v *VoiceCapture) count(outcome domain.CaptureOutcome) {
	if v.metrics != nil {
		v.metrics.Captures.WithLabelValues(string(outcome)).Inc()
	}
}

// endpointer decides when an utterance ends. Time is measured in audio, not
// wall clock, so the decision only depends on the samples fed to it.
type endpointer struct {
	threshold   float64
	silenceStop time.Duration
	grace       time.Duration
	maxLength   time.Duration
	continuous  bool
	frameBytes  int
	bytesPerSec int

	pcm       []byte
	elapsed   time.Duration
	speech    bool
	voicedEnd int
	silence   time.Duration
}

func newEndpointer(cfg CaptureConfig, continuous bool) *endpointer {
	bytesPerSec := cfg.Audio.SampleRate * cfg.Audio.Channels * 2
	return &endpointer{
		threshold:   cfg.EnergyThreshold,
		silenceStop: cfg.SilenceStop,
		grace:       cfg.Grace,
		maxLength:   cfg.MaxLength,
		continuous:  continuous,
		frameBytes:  int(int64(bytesPerSec) * int64(frameDuration) / int64(time.Second)),
		bytesPerSec: bytesPerSec,
	}
}

func (e *endpointer) push(frame []byte) (domain.CaptureOutcome, bool) {
	e.pcm = append(e.pcm, frame...)
	e.elapsed += frameDuration

	if frameEnergy(frame) >= e.threshold {
		e.speech = true
		e.silence = 0
		e.voicedEnd = len(e.pcm)
	} else if e.speech {
		e.silence += frameDuration
		if e.silence >= e.silenceStop {
			return domain.CaptureVADStop, true
		}
	}

	if !e.speech && !e.continuous && e.elapsed >= e.grace {
		return domain.CaptureDiscarded, true
	}
	if e.elapsed >= e.maxLength {
		if e.speech {
			return domain.CaptureMaxLength, true
		}
		e.reset()
	}
	return "", false
}

// utterance is every frame up to and including the last voiced one.
func (e *endpointer) utterance() []byte {
	return append([]byte(nil), e.pcm[:e.voicedEnd]...)
}

func (e *endpointer) duration(n int) time.Duration {
	if e.bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(e.bytesPerSec))
}

func (e *endpointer) reset() {
	e.pcm = e.pcm[:0]
	e.elapsed = 0
	e.speech = false
	e.voicedEnd = 0
	e.silence = 0
}

// frameEnergy is the RMS of s16le samples normalized to [0,1].
func frameEnergy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
