package usecase

import (
	"robotcore/internal/domain"
	"robotcore/internal/protocol"
)

// interactionTurn is the one request the orchestrator currently accepts
// backend messages for.
type interactionTurn struct {
	id          string
	emotionSeen bool
	// held keeps messages for this id that arrived before its Emotion.
	held      []protocol.Incoming
	sentences sentenceBuffer
	thinking  Timer
}

func (t *interactionTurn) stopThinkingTimer() {
	if t.thinking != nil {
		t.thinking.Stop()
		t.thinking = nil
	}
}

// personContext is who the robot believes it is talking to.
type personContext struct {
	id         string
	name       string
	recognized bool
	confidence float64
	embedding  []float32
}

func unknownPerson() personContext {
	return personContext{id: domain.UnknownPersonID}
}
