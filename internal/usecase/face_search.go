package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"robotcore/internal/domain"
	"robotcore/internal/metrics"
	"robotcore/internal/ports"
)

var errCameraClosed = errors.New("camera stream ended")

// SearchConfig controls the face search window.
type SearchConfig struct {
	Camera         ports.CameraConfig
	SampleInterval time.Duration
	Timeout        time.Duration
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	return c
}

// SearchFunc receives the single result of a face search.
type SearchFunc func(result domain.SearchResult)

// FaceSearch looks for one face in front of the robot and resolves it against
// the enrolled identities.
type FaceSearch struct {
	camera   ports.Camera
	detector ports.FaceDetector
	matcher  ports.IdentityMatcher
	cfg      SearchConfig
	clock    Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	current *searchSession
}

type searchSession struct {
	cancel  context.CancelFunc
	frames  ports.FrameSession
	timeout chan struct{}
	timer   Timer
	done    chan struct{}
}

func NewFaceSearch(camera ports.Camera, detector ports.FaceDetector, matcher ports.IdentityMatcher, cfg SearchConfig, clock Clock, logger zerolog.Logger, m *metrics.Metrics) *FaceSearch {
	if clock == nil {
		clock = SystemClock
	}
	return &FaceSearch{
		camera:   camera,
		detector: detector,
		matcher:  matcher,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger,
		metrics:  m,
	}
}

// Start activates the camera and the timeout. A second call while a search is
// running is a no-op.
func (f *FaceSearch) Start(ctx context.Context, emit SearchFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	frames, err := f.camera.Start(sessionCtx, f.cfg.Camera)
	if err != nil {
		cancel()
		f.count(domain.SearchFailed)
		return fmt.Errorf("failed to start camera: %w", err)
	}

	session := &searchSession{
		cancel:  cancel,
		frames:  frames,
		timeout: make(chan struct{}),
		done:    make(chan struct{}),
	}
	var once sync.Once
	session.timer = f.clock.AfterFunc(f.cfg.Timeout, func() {
		once.Do(func() { close(session.timeout) })
	})
	f.current = session
	go f.run(sessionCtx, session, emit)
	return nil
}

// Stop releases the camera and timer and suppresses any pending result.
func (f *FaceSearch) Stop() {
	f.mu.Lock()
	session := f.current
	f.current = nil
	f.mu.Unlock()
	if session == nil {
		return
	}
	session.timer.Stop()
	session.cancel()
	_ = session.frames.Stop()
	<-session.done
}

func (f *FaceSearch) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != nil
}

func (f *FaceSearch) run(ctx context.Context, session *searchSession, emit SearchFunc) {
	defer close(session.done)
	release := func() {
		session.timer.Stop()
		_ = session.frames.Stop()
	}
	defer release()

	var lastSample time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.timeout:
			release()
			f.deliver(session, domain.SearchResult{Outcome: domain.SearchTimeout}, emit)
			return
		case frame, ok := <-session.frames.Frames():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				f.deliver(session, domain.SearchResult{Outcome: domain.SearchFailed, Err: errCameraClosed}, emit)
				return
			}
			if !lastSample.IsZero() && frame.At.Sub(lastSample) < f.cfg.SampleInterval {
				continue
			}
			lastSample = frame.At

			crop, err := f.detector.Detect(ctx, frame)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn().Err(err).Msg("face detection failed")
				continue
			}
			if crop == nil {
				continue
			}

			// First face ends the search; the camera is not needed for matching.
			release()
			f.deliver(session, f.resolve(ctx, *crop), emit)
			return
		}
	}
}

func (f *FaceSearch) resolve(ctx context.Context, crop domain.FaceCrop) domain.SearchResult {
	result, err := f.matcher.Match(ctx, crop)
	if err != nil {
		return domain.SearchResult{Outcome: domain.SearchFailed, Err: fmt.Errorf("identity match: %w", err)}
	}
	if result.Match != nil {
		return domain.SearchResult{
			Outcome:    domain.SearchMatched,
			Match:      result.Match,
			Confidence: result.Match.Similarity,
			Embedding:  result.Embedding,
		}
	}
	return domain.SearchResult{
		Outcome:    domain.SearchUnknown,
		Confidence: result.Best,
		Embedding:  result.Embedding,
	}
}

func (f *FaceSearch) deliver(session *searchSession, result domain.SearchResult, emit SearchFunc) {
	f.mu.Lock()
	current := f.current == session
	if current {
		f.current = nil
	}
	f.mu.Unlock()
	if !current {
		return
	}

	f.count(result.Outcome)
	f.logger.Debug().
		Str("outcome", string(result.Outcome)).
		Float64("confidence", result.Confidence).
		Err(result.Err).
		Msg("face search finished")
	if emit != nil {
		emit(result)
	}
}

func (f *FaceSearch) count(outcome domain.SearchOutcome) {
	if f.metrics != nil {
		f.metrics.FaceSearches.WithLabelValues(string(outcome)).Inc()
	}
}
