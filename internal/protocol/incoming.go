package protocol

import (
	"encoding/json"
	"strings"
)

// Incoming message types.
const (
	TypeAuthOK           = "auth_ok"
	TypePersonRegistered = "person_registered"
	TypeEmotion          = "emotion"
	TypeTextChunk        = "text_chunk"
	TypeCaptureRequest   = "capture_request"
	TypeResponseMeta     = "response_meta"
	TypeFaceScanActions  = "face_scan_actions"
	TypeStreamEnd        = "stream_end"
	TypeError            = "error"
)

// Incoming is a decoded backend frame. The implementations are the closed set
// declared in this file; Decode never fails and maps anything else to Unknown.
type Incoming interface {
	MessageType() string
	// RequestID is empty for connection-scoped messages.
	RequestID() string
	incoming()
}

// Correlation carries the request id shared by the frames of one turn.
type Correlation struct {
	ID string `json:"request_id"`
}

func (c Correlation) RequestID() string { return c.ID }

type AuthOK struct {
	SessionID string `json:"session_id"`
}

type PersonRegistered struct {
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
}

type Emotion struct {
	Correlation
	Emotion          string  `json:"emotion"`
	PersonIdentified string  `json:"person_identified,omitempty"`
	Confidence       float64 `json:"confidence"`
}

type TextChunk struct {
	Correlation
	Text string `json:"text"`
}

type CaptureRequest struct {
	Correlation
	CaptureType string `json:"capture_type"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

// ExpressionMeta is the contextual emoji sequence of a response.
type ExpressionMeta struct {
	Emojis           []string `json:"emojis"`
	DurationPerEmoji int64    `json:"duration_per_emoji"`
	Transition       string   `json:"transition"`
}

type ResponseMeta struct {
	Correlation
	ResponseText string          `json:"response_text"`
	PersonName   string          `json:"person_name,omitempty"`
	Expression   *ExpressionMeta `json:"expression,omitempty"`
	Actions      []Action        `json:"actions"`
}

type FaceScanActions struct {
	Correlation
	Actions []Action `json:"actions"`
}

type StreamEnd struct {
	Correlation
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

type Error struct {
	Correlation
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Unknown holds a frame that could not be parsed or has an unrecognized type.
type Unknown struct {
	Type   string
	Raw    []byte
	Reason string
}

func (AuthOK) MessageType() string           { return TypeAuthOK }
func (PersonRegistered) MessageType() string { return TypePersonRegistered }
func (Emotion) MessageType() string          { return TypeEmotion }
func (TextChunk) MessageType() string        { return TypeTextChunk }
func (CaptureRequest) MessageType() string   { return TypeCaptureRequest }
func (ResponseMeta) MessageType() string     { return TypeResponseMeta }
func (FaceScanActions) MessageType() string  { return TypeFaceScanActions }
func (StreamEnd) MessageType() string        { return TypeStreamEnd }
func (Error) MessageType() string            { return TypeError }
func (u Unknown) MessageType() string        { return u.Type }

func (AuthOK) RequestID() string           { return "" }
func (PersonRegistered) RequestID() string { return "" }
func (Unknown) RequestID() string          { return "" }

func (AuthOK) incoming()           {}
func (PersonRegistered) incoming() {}
func (Emotion) incoming()          {}
func (TextChunk) incoming()        {}
func (CaptureRequest) incoming()   {}
func (ResponseMeta) incoming()     {}
func (FaceScanActions) incoming()  {}
func (StreamEnd) incoming()        {}
func (Error) incoming()            {}
func (Unknown) incoming()          {}

// Decode parses one text frame from the backend.
func Decode(data []byte) Incoming {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Unknown{Raw: copyBytes(data), Reason: "invalid json frame"}
	}
	typ := strings.TrimSpace(envelope.Type)

	switch typ {
	case TypeAuthOK:
		return decodeAs[AuthOK](typ, data)
	case TypePersonRegistered:
		return decodeAs[PersonRegistered](typ, data)
	case TypeEmotion:
		return decodeAs[Emotion](typ, data)
	case TypeTextChunk:
		return decodeAs[TextChunk](typ, data)
	case TypeCaptureRequest:
		return decodeAs[CaptureRequest](typ, data)
	case TypeResponseMeta:
		return decodeAs[ResponseMeta](typ, data)
	case TypeFaceScanActions:
		return decodeAs[FaceScanActions](typ, data)
	case TypeStreamEnd:
		return decodeAs[StreamEnd](typ, data)
	case TypeError:
		return decodeAs[Error](typ, data)
	case "":
		return Unknown{Raw: copyBytes(data), Reason: "missing type"}
	default:
		return Unknown{Type: typ, Raw: copyBytes(data), Reason: "unsupported type"}
	}
}

func decodeAs[T Incoming](typ string, data []byte) Incoming {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return Unknown{Type: typ, Raw: copyBytes(data), Reason: err.Error()}
	}
	return msg
}

func copyBytes(data []byte) []byte {
	return append([]byte(nil), data...)
}
