package speech

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"robotcore/internal/ports"
)

// Queue plays sentences one at a time in enqueue order. The pending count is
// raised synchronously in Enqueue, so a WaitIdle issued right after Enqueue
// cannot observe an idle queue before playback has even started.
type Queue struct {
	synth  ports.Synthesizer
	logger zerolog.Logger

	mu       sync.Mutex
	items    []string
	pending  int
	speaking bool
	idle     chan struct{}
	cancel   context.CancelFunc

	signal chan struct{}
}

func NewQueue(synth ports.Synthesizer, logger zerolog.Logger) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		synth:  synth,
		logger: logger,
		idle:   idle,
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	q.mu.Lock()
	q.items = append(q.items, text)
	q.pending++
	if q.pending == 1 {
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until everything enqueued before the call has been spoken or flushed.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush drops queued sentences and interrupts the one playing.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.pending -= len(q.items)
	q.items = nil
	if q.cancel != nil {
		q.cancel()
	}
	q.markIdleLocked()
	q.mu.Unlock()
}

func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Run plays queued sentences until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	for {
		text, speakCtx, ok := q.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				q.Flush()
				return nil
			case <-q.signal:
				continue
			}
		}

		if err := q.synth.Speak(speakCtx, text); err != nil && speakCtx.Err() == nil {
			q.logger.Warn().Err(err).Str("text", text).Msg("speech playback failed")
		}
		q.finish()
	}
}

func (q *Queue) next(ctx context.Context) (string, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", nil, false
	}
	text := q.items[0]
	q.items = q.items[1:]
	speakCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.speaking = true
	return text, speakCtx, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.speaking = false
	if q.pending > 0 {
		q.pending--
	}
	q.markIdleLocked()
}

func (q *Queue) markIdleLocked() {
	if q.pending > 0 {
		return
	}
	q.pending = 0
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}
