package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Action is one body action requested by the backend. The wire form is either
// a bare gesture name ("nod") or an object with a type and parameters.
type Action struct {
	Type       string       `json:"type"`
	Direction  string       `json:"direction,omitempty"`
	Speed      int          `json:"speed,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	Light      string       `json:"action,omitempty"`
	Color      string       `json:"color,omitempty"`
	Intensity  int          `json:"intensity,omitempty"`
	Steps      []ActionStep `json:"steps,omitempty"`
}

// ActionStep is one timed move inside a sequence action.
type ActionStep struct {
	Direction  string `json:"direction"`
	Speed      int    `json:"speed"`
	DurationMS int64  `json:"duration_ms"`
}

func (a *Action) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*a = Action{Type: strings.TrimSpace(name)}
		return nil
	}

	type plain Action
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*a = Action(decoded)
	return nil
}
