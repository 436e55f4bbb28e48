package usecase

import (
	"context"

	"robotcore/internal/domain"
)

// watchState starts and stops the capture and search sessions as the state
// changes. It never requests transitions itself; results are posted back to
// the Run goroutine.
func (o *Orchestrator) watchState(ctx context.Context, changes <-chan domain.StateChange) {
	defer o.deps.Capture.Stop()
	defer o.deps.Search.Stop()

	for change := range changes {
		o.deps.Events.StateChanged(change, change.To.Cue())
		if change.Reason == domain.ReasonSnapshot {
			continue
		}

		if change.From == domain.StateListening {
			o.deps.Capture.Stop()
		}
		if change.From == domain.StateSearching {
			o.deps.Search.Stop()
			o.sendActuator(domain.Stop{})
		}

		switch change.To {
		case domain.StateListening:
			// Coming from Idle means a search is about to start, not a reply.
			// After a failed search the robot only speaks its notice and
			// goes back to Idle, so the microphone stays closed.
			if change.From != domain.StateIdle && change.Reason != domain.ReasonNoFace {
				o.startCapture(ctx)
			}
		case domain.StateSearching:
			o.startSearch(ctx)
		}
	}
}

func (o *Orchestrator) startCapture(ctx context.Context) {
	emit := func(utterance domain.Utterance, err error) {
		o.post(captureEvent{utterance: utterance, err: err})
	}
	if err := o.deps.Capture.Start(ctx, o.window.Active(), emit); err != nil {
		o.post(captureEvent{utterance: domain.Utterance{Outcome: domain.CaptureFailed}, err: err})
	}
}

func (o *Orchestrator) startSearch(ctx context.Context) {
	emit := func(result domain.SearchResult) {
		o.post(searchEvent{result: result})
	}
	if err := o.deps.Search.Start(ctx, emit); err != nil {
		o.post(searchEvent{result: domain.SearchResult{Outcome: domain.SearchFailed, Err: err}})
		return
	}
	o.sendActuator(domain.SearchRotation(o.cfg.SearchStep))
}

func (o *Orchestrator) sendActuator(cmd domain.ActuatorCommand) {
	if o.deps.Actuator == nil {
		return
	}
	if err := o.deps.Actuator.Send(cmd); err != nil {
		o.logger.Debug().Err(err).Msg("actuator command refused")
	}
}
