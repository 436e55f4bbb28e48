package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"robotcore/internal/domain"
	"robotcore/internal/metrics"
)

var (
	ErrInvalidTransition = errors.New("transition not allowed")
	ErrClosed            = errors.New("state authority stopped")
)

// Config controls the state authority.
type Config struct {
	Initial        domain.InteractionState
	ErrorAutoClear time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Authority is the single writer of the interaction state. All requests are
// serialized through one goroutine; observers receive changes in apply order.
type Authority struct {
	cfg Config

	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once

	mu      sync.RWMutex
	current domain.InteractionState

	// Owned by the run goroutine.
	subs       map[int]*subscriber
	nextSubID  int
	errorTimer *time.Timer
	errorGen   uint64
}

type requestKind int

const (
	reqTransition requestKind = iota
	reqFail
	reqErrorExpired
	reqSubscribe
	reqUnsubscribe
)

type request struct {
	kind        requestKind
	to          domain.InteractionState
	reason      domain.TransitionReason
	recoverable bool
	gen         uint64
	sub         *subscriber
	reply       chan error
}

func NewAuthority(cfg Config) *Authority {
	if cfg.Initial == "" {
		cfg.Initial = domain.StateIdle
	}
	if cfg.ErrorAutoClear <= 0 {
		cfg.ErrorAutoClear = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Authority{
		cfg:      cfg,
		requests: make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		current:  cfg.Initial,
		subs:     make(map[int]*subscriber),
	}
	go a.run()
	return a
}

// Current returns the state that holds right now.
func (a *Authority) Current() domain.InteractionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Transition applies a documented edge and broadcasts it. A request for the
// current state is accepted without a broadcast.
func (a *Authority) Transition(to domain.InteractionState, reason domain.TransitionReason) error {
	return a.do(request{kind: reqTransition, to: to, reason: reason})
}

// Fail moves to Error. Recoverable faults return to Idle after the auto-clear
// delay unless another transition preempts the timer.
func (a *Authority) Fail(reason domain.TransitionReason, recoverable bool) error {
	return a.do(request{kind: reqFail, to: domain.StateError, reason: reason, recoverable: recoverable})
}

// Observe returns every change applied after the call, preceded by a snapshot
// of the current state. The channel closes when ctx ends or the authority stops.
func (a *Authority) Observe(ctx context.Context) <-chan domain.StateChange {
	sub := newSubscriber()
	if err := a.do(request{kind: reqSubscribe, sub: sub}); err != nil {
		close(sub.out)
		return sub.out
	}

	go sub.pump(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-a.quit:
		}
		sub.close()
		select {
		case a.requests <- request{kind: reqUnsubscribe, sub: sub}:
		case <-a.quit:
		}
	}()
	return sub.out
}

// Close stops the authority and releases the error timer.
func (a *Authority) Close() {
	a.quitOnce.Do(func() { close(a.quit) })
	<-a.stopped
}

func (a *Authority) do(r request) error {
	r.reply = make(chan error, 1)
	select {
	case a.requests <- r:
	case <-a.quit:
		return ErrClosed
	}
	select {
	case err := <-r.reply:
		return err
	case <-a.stopped:
		return ErrClosed
	}
}

func (a *Authority) run() {
	defer close(a.stopped)
	defer a.stopErrorTimer()

	for {
		select {
		case <-a.quit:
			for _, sub := range a.subs {
				sub.close()
			}
			return
		case r := <-a.requests:
			err := a.handle(r)
			if r.reply != nil {
				r.reply <- err
			}
		}
	}
}

func (a *Authority) handle(r request) error {
	switch r.kind {
	case reqTransition:
		return a.apply(r.to, r.reason)
	case reqFail:
		if err := a.apply(domain.StateError, r.reason); err != nil {
			return err
		}
		if r.recoverable {
			a.armErrorTimer()
		} else {
			a.stopErrorTimer()
		}
		return nil
	case reqErrorExpired:
		if r.gen != a.errorGen || a.Current() != domain.StateError {
			return nil
		}
		return a.apply(domain.StateIdle, domain.ReasonErrorCleared)
	case reqSubscribe:
		a.nextSubID++
		r.sub.id = a.nextSubID
		a.subs[r.sub.id] = r.sub
		current := a.Current()
		r.sub.push(domain.StateChange{From: current, To: current, Reason: domain.ReasonSnapshot, At: a.cfg.Now()})
		return nil
	case reqUnsubscribe:
		delete(a.subs, r.sub.id)
		return nil
	default:
		return fmt.Errorf("unknown request kind %d", r.kind)
	}
}

func (a *Authority) apply(to domain.InteractionState, reason domain.TransitionReason) error {
	from := a.Current()
	if from == to {
		return nil
	}
	if !Allowed(from, to) {
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.RejectedTransitions.WithLabelValues(string(from), string(to)).Inc()
		}
		a.cfg.Logger.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", string(reason)).
			Msg("rejected undocumented transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	// Any applied transition preempts a pending error auto-clear.
	a.stopErrorTimer()

	a.mu.Lock()
	a.current = to
	a.mu.Unlock()

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
	a.cfg.Logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", string(reason)).
		Msg("state transition")

	change := domain.StateChange{From: from, To: to, Reason: reason, At: a.cfg.Now()}
	for _, sub := range a.subs {
		sub.push(change)
	}
	return nil
}

func (a *Authority) armErrorTimer() {
	a.stopErrorTimer()
	gen := a.errorGen
	a.errorTimer = time.AfterFunc(a.cfg.ErrorAutoClear, func() {
		select {
		case a.requests <- request{kind: reqErrorExpired, gen: gen}:
		case <-a.quit:
		}
	})
}

func (a *Authority) stopErrorTimer() {
	a.errorGen++
	if a.errorTimer != nil {
		a.errorTimer.Stop()
		a.errorTimer = nil
	}
}

type subscriber struct {
	id int

	mu     sync.Mutex
	queue  []domain.StateChange
	signal chan struct{}
	out    chan domain.StateChange

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan domain.StateChange),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(change domain.StateChange) {
	s.mu.Lock()
	s.queue = append(s.queue, change)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// pump forwards queued changes so the authority never blocks on a slow observer.
func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
