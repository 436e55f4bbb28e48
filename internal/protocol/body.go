package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"robotcore/internal/domain"
)

// Body link frame types.
const (
	BodyHeartbeat    = "heartbeat"
	BodyMove         = "move"
	BodyMoveSequence = "move_sequence"
	BodyStop         = "stop"
	BodyLight        = "light"
	BodyTelemetry    = "telemetry"
	BodyStatus       = "status"
)

type bodyHeartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type bodyMove struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id,omitempty"`
	Direction string `json:"direction"`
	Speed     int    `json:"speed"`
}

type bodySequenceStep struct {
	Direction  string `json:"direction"`
	Speed      int    `json:"speed"`
	DurationMS int64  `json:"duration_ms"`
}

type bodyMoveSequence struct {
	Type            string             `json:"type"`
	CommandID       string             `json:"command_id,omitempty"`
	TotalDurationMS int64              `json:"total_duration_ms"`
	Steps           []bodySequenceStep `json:"steps"`
}

type bodyStop struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id,omitempty"`
}

type bodyLight struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id,omitempty"`
	Action    string `json:"action"`
	Color     string `json:"color"`
	Intensity int    `json:"intensity"`
}

type bodyTelemetryRequest struct {
	Type    string `json:"type"`
	Request string `json:"request"`
}

// EncodeHeartbeat builds the liveness frame sent once per second.
func EncodeHeartbeat(at time.Time) ([]byte, error) {
	return json.Marshal(bodyHeartbeat{Type: BodyHeartbeat, Timestamp: at.UnixMilli()})
}

// EncodeCommand builds the frame for one actuator command.
func EncodeCommand(commandID string, cmd domain.ActuatorCommand) ([]byte, error) {
	var frame any
	switch c := cmd.(type) {
	case domain.Move:
		frame = bodyMove{Type: BodyMove, CommandID: commandID, Direction: string(c.Direction), Speed: c.Speed}
	case domain.Stop:
		frame = bodyStop{Type: BodyStop, CommandID: commandID}
	case domain.Light:
		frame = bodyLight{Type: BodyLight, CommandID: commandID, Action: c.Action, Color: c.Color, Intensity: c.Intensity}
	case domain.Sequence:
		steps := make([]bodySequenceStep, 0, len(c.Steps))
		for _, step := range c.Steps {
			steps = append(steps, bodySequenceStep{
				Direction:  string(step.Direction),
				Speed:      step.Speed,
				DurationMS: step.Duration.Milliseconds(),
			})
		}
		frame = bodyMoveSequence{
			Type:            BodyMoveSequence,
			CommandID:       commandID,
			TotalDurationMS: c.TotalDuration().Milliseconds(),
			Steps:           steps,
		}
	case domain.TelemetryRequest:
		frame = bodyTelemetryRequest{Type: BodyTelemetry, Request: "sensors"}
	default:
		return nil, fmt.Errorf("unsupported actuator command %T", cmd)
	}
	return json.Marshal(frame)
}

// BodyMessage is a decoded frame from the body.
type BodyMessage interface {
	bodyMessage()
}

// Telemetry is the periodic battery and sensor report.
type Telemetry struct {
	Battery   int                `json:"battery"`
	Sensors   map[string]float64 `json:"sensors"`
	Timestamp int64              `json:"timestamp"`
}

// Status acknowledges or rejects a command.
type Status struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
	ErrorMsg  string `json:"error_msg"`
}

// UnknownBody is any frame the core does not understand.
type UnknownBody struct {
	Type string
	Raw  []byte
}

func (Telemetry) bodyMessage()   {}
func (Status) bodyMessage()      {}
func (UnknownBody) bodyMessage() {}

// DecodeBody parses one frame from the body link.
func DecodeBody(data []byte) BodyMessage {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return UnknownBody{Raw: copyBytes(data)}
	}

	switch typ := strings.TrimSpace(envelope.Type); typ {
	case BodyTelemetry:
		var msg Telemetry
		if err := json.Unmarshal(data, &msg); err != nil {
			return UnknownBody{Type: typ, Raw: copyBytes(data)}
		}
		return msg
	case BodyStatus:
		var msg Status
		if err := json.Unmarshal(data, &msg); err != nil {
			return UnknownBody{Type: typ, Raw: copyBytes(data)}
		}
		return msg
	default:
		return UnknownBody{Type: typ, Raw: copyBytes(data)}
	}
}
