package usecase

import (
	"strings"
	"time"

	"robotcore/internal/domain"
	"robotcore/internal/protocol"
)

const (
	defaultActionSpeed = 50
	defaultStepMS      = 400
)

// commandsForActions turns backend actions into body commands. Unknown action
// names are skipped.
func commandsForActions(actions []protocol.Action) []domain.ActuatorCommand {
	var out []domain.ActuatorCommand
	for _, action := range actions {
		if cmd, ok := commandForAction(action); ok {
			out = append(out, cmd)
		}
	}
	return out
}

func commandForAction(action protocol.Action) (domain.ActuatorCommand, bool) {
	switch strings.ToLower(strings.TrimSpace(action.Type)) {
	case "move":
		direction := domain.Direction(strings.ToLower(action.Direction))
		if !validDirection(direction) {
			return nil, false
		}
		speed := speedOrDefault(action.Speed)
		if action.DurationMS > 0 {
			return domain.Sequence{Steps: []domain.SequenceStep{{
				Direction: direction,
				Speed:     speed,
				Duration:  time.Duration(action.DurationMS) * time.Millisecond,
			}}}, true
		}
		return domain.Move{Direction: direction, Speed: speed}, true
	case "move_sequence", "sequence":
		var steps []domain.SequenceStep
		for _, step := range action.Steps {
			direction := domain.Direction(strings.ToLower(step.Direction))
			if !validDirection(direction) || step.DurationMS <= 0 {
				continue
			}
			steps = append(steps, domain.SequenceStep{
				Direction: direction,
				Speed:     speedOrDefault(step.Speed),
				Duration:  time.Duration(step.DurationMS) * time.Millisecond,
			})
		}
		if len(steps) == 0 {
			return nil, false
		}
		return domain.Sequence{Steps: steps}, true
	case "stop":
		return domain.Stop{}, true
	case "light":
		light := domain.Light{Action: action.Light, Color: action.Color, Intensity: action.Intensity}
		if light.Action == "" {
			light.Action = "on"
		}
		if light.Intensity <= 0 {
			light.Intensity = 100
		}
		return light, true
	case "look_around":
		return domain.SearchRotation(0), true
	case "nod":
		return gesture(domain.DirectionForward, domain.DirectionBackward, 2), true
	case "shake":
		return gesture(domain.DirectionLeft, domain.DirectionRight, 2), true
	case "spin":
		return domain.Sequence{Steps: []domain.SequenceStep{
			{Direction: domain.DirectionRight, Speed: 70, Duration: 2 * time.Second},
		}}, true
	case "dance":
		return gesture(domain.DirectionLeft, domain.DirectionRight, 4), true
	default:
		return nil, false
	}
}

// gesture alternates between two directions for the given number of cycles.
func gesture(a, b domain.Direction, cycles int) domain.Sequence {
	steps := make([]domain.SequenceStep, 0, cycles*2)
	for i := 0; i < cycles; i++ {
		steps = append(steps,
			domain.SequenceStep{Direction: a, Speed: defaultActionSpeed, Duration: defaultStepMS * time.Millisecond},
			domain.SequenceStep{Direction: b, Speed: defaultActionSpeed, Duration: defaultStepMS * time.Millisecond},
		)
	}
	return domain.Sequence{Steps: steps}
}

func validDirection(d domain.Direction) bool {
	switch d {
	case domain.DirectionForward, domain.DirectionBackward, domain.DirectionLeft, domain.DirectionRight:
		return true
	}
	return false
}

func speedOrDefault(speed int) int {
	if speed <= 0 {
		return defaultActionSpeed
	}
	if speed > 100 {
		return 100
	}
	return speed
}
