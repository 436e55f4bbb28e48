package usecase

import (
	"sync"
	"time"

	"robotcore/internal/domain"
	"robotcore/internal/ports"
	"robotcore/internal/protocol"
)

const (
	maxExpressionEmojis    = 3
	defaultEmojiDuration   = 1500 * time.Millisecond
	defaultEmojiTransition = "fade"
)

// expressionFromMeta normalizes the contextual emoji sequence of a response.
func expressionFromMeta(meta *protocol.ExpressionMeta) (domain.Expression, bool) {
	if meta == nil {
		return domain.Expression{}, false
	}
	var emojis []string
	for _, emoji := range meta.Emojis {
		if emoji == "" {
			continue
		}
		emojis = append(emojis, emoji)
		if len(emojis) == maxExpressionEmojis {
			break
		}
	}
	if len(emojis) == 0 {
		return domain.Expression{}, false
	}

	expr := domain.Expression{
		Emojis:     emojis,
		PerEmoji:   time.Duration(meta.DurationPerEmoji) * time.Millisecond,
		Transition: meta.Transition,
	}
	if expr.PerEmoji <= 0 {
		expr.PerEmoji = defaultEmojiDuration
	}
	if expr.Transition == "" {
		expr.Transition = defaultEmojiTransition
	}
	return expr, true
}

// expressionPlayer shows one emoji sequence at a time; a new sequence or Stop
// cancels the rest of the previous one.
type expressionPlayer struct {
	sink  ports.EventSink
	clock Clock

	mu    sync.Mutex
	gen   uint64
	timer Timer
}

func newExpressionPlayer(sink ports.EventSink, clock Clock) *expressionPlayer {
	return &expressionPlayer{sink: sink, clock: clock}
}

func (p *expressionPlayer) Play(expr domain.Expression) {
	p.mu.Lock()
	p.stopLocked()
	gen := p.gen
	p.mu.Unlock()
	p.show(gen, expr, 0)
}

func (p *expressionPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *expressionPlayer) show(gen uint64, expr domain.Expression, index int) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if index+1 < len(expr.Emojis) {
		p.timer = p.clock.AfterFunc(expr.PerEmoji, func() { p.show(gen, expr, index+1) })
	} else {
		p.timer = nil
	}
	p.mu.Unlock()

	p.sink.ShowEmoji(expr.Emojis[index], expr.Transition)
}

func (p *expressionPlayer) stopLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
