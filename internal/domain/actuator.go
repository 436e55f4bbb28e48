package domain

import "time"

// ActuatorCommand is a primitive or composite command for the physical body.
// The set of implementations is closed to this package.
type ActuatorCommand interface {
	actuatorCommand()
	// Motion reports whether the command moves the body.
	Motion() bool
}

// Direction names a drive direction understood by the body firmware.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionLeft     Direction = "left"
	DirectionRight    Direction = "right"
)

// Move drives the body in one direction until stopped or replaced.
type Move struct {
	Direction Direction
	Speed     int
}

// Stop halts all motion.
type Stop struct{}

// Light sets the body's light ring.
type Light struct {
	Action    string
	Color     string
	Intensity int
}

// SequenceStep is one timed step of a Sequence.
type SequenceStep struct {
	Direction Direction
	Speed     int
	Duration  time.Duration
}

// Sequence is a timed series of moves executed by the body.
type Sequence struct {
	Steps []SequenceStep
}

// TelemetryRequest asks the body for a sensor report.
type TelemetryRequest struct{}

func (Move) actuatorCommand()             {}
func (Stop) actuatorCommand()             {}
func (Light) actuatorCommand()            {}
func (Sequence) actuatorCommand()         {}
func (TelemetryRequest) actuatorCommand() {}

func (Move) Motion() bool             { return true }
func (Stop) Motion() bool             { return false }
func (Light) Motion() bool            { return false }
func (Sequence) Motion() bool         { return true }
func (TelemetryRequest) Motion() bool { return false }

// TotalDuration sums the step durations.
func (s Sequence) TotalDuration() time.Duration {
	var total time.Duration
	for _, step := range s.Steps {
		total += step.Duration
	}
	return total
}

// SearchRotation is the sweep performed while looking for a face.
func SearchRotation(stepDuration time.Duration) Sequence {
	if stepDuration <= 0 {
		stepDuration = 1200 * time.Millisecond
	}
	return Sequence{Steps: []SequenceStep{
		{Direction: DirectionLeft, Speed: 40, Duration: stepDuration},
		{Direction: DirectionRight, Speed: 40, Duration: 2 * stepDuration},
		{Direction: DirectionLeft, Speed: 40, Duration: stepDuration},
	}}
}
