package state

import "robotcore/internal/domain"

var edges = map[domain.InteractionState][]domain.InteractionState{
	domain.StateIdle: {
		domain.StateListening,
		domain.StateThinking, // text input
	},
	domain.StateListening: {
		domain.StateSearching,
		domain.StateThinking,
		domain.StateIdle,       // silent discard, window expiry
		domain.StateResponding, // greeting stream for the handshake turn
	},
	domain.StateSearching: {
		domain.StateGreeting,
		domain.StateRegistering,
		domain.StateListening,
	},
	domain.StateGreeting:     {domain.StateListening},
	domain.StateRegistering:  {domain.StateListening},
	domain.StateThinking:     {domain.StateResponding},
	domain.StateResponding:   {domain.StateListening, domain.StateIdle},
	domain.StateError:        {domain.StateIdle},
	domain.StateDisconnected: {domain.StateIdle},
}

// Allowed reports whether from -> to is a documented edge. Every state may
// fall into Error or Disconnected.
func Allowed(from, to domain.InteractionState) bool {
	if to == domain.StateError || to == domain.StateDisconnected {
		return true
	}
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
