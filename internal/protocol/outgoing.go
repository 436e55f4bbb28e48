package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Outgoing message types.
const (
	TypeAuth             = "auth"
	TypeInteractionStart = "interaction_start"
	TypeAudioEnd         = "audio_end"
	TypeImage            = "image"
	TypeVideo            = "video"
	TypeText             = "text"
	TypeFaceScanMode     = "face_scan_mode"
	TypePersonDetected   = "person_detected"
	TypeBatteryAlert     = "battery_alert"
)

// Outgoing is a structured control frame sent to the backend.
type Outgoing interface {
	MessageType() string
}

type Auth struct {
	Type     string `json:"type"`
	APIKey   string `json:"api_key"`
	DeviceID string `json:"device_id"`
}

// InteractionContext is the device context attached to every turn.
type InteractionContext struct {
	BatteryRobot int                `json:"battery_robot"`
	BatteryPhone int                `json:"battery_phone"`
	Sensors      map[string]float64 `json:"sensors"`
}

type InteractionStart struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"request_id"`
	PersonID       string             `json:"person_id"`
	FaceRecognized bool               `json:"face_recognized"`
	FaceConfidence float64            `json:"face_confidence"`
	FaceEmbedding  []float32          `json:"face_embedding,omitempty"`
	Context        InteractionContext `json:"context"`
}

type AudioEnd struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type Image struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Purpose   string `json:"purpose"`
	Data      string `json:"data"`
}

type Video struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	DurationMS int64  `json:"duration_ms"`
	Data       string `json:"data"`
}

type Text struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	PersonID  string `json:"person_id"`
}

type FaceScanMode struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type PersonDetected struct {
	Type          string    `json:"type"`
	RequestID     string    `json:"request_id"`
	Known         bool      `json:"known"`
	PersonID      string    `json:"person_id,omitempty"`
	Confidence    float64   `json:"confidence"`
	FaceEmbedding []float32 `json:"face_embedding"`
}

type BatteryAlert struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id"`
	BatteryLevel int    `json:"battery_level"`
	Source       string `json:"source"`
}

func (Auth) MessageType() string             { return TypeAuth }
func (InteractionStart) MessageType() string { return TypeInteractionStart }
func (AudioEnd) MessageType() string         { return TypeAudioEnd }
func (Image) MessageType() string            { return TypeImage }
func (Video) MessageType() string            { return TypeVideo }
func (Text) MessageType() string             { return TypeText }
func (FaceScanMode) MessageType() string     { return TypeFaceScanMode }
func (PersonDetected) MessageType() string   { return TypePersonDetected }
func (BatteryAlert) MessageType() string     { return TypeBatteryAlert }

func NewAuth(apiKey, deviceID string) Auth {
	return Auth{Type: TypeAuth, APIKey: apiKey, DeviceID: deviceID}
}

func NewInteractionStart(requestID, personID string, recognized bool, confidence float64, embedding []float32, ctx InteractionContext) InteractionStart {
	if ctx.Sensors == nil {
		ctx.Sensors = map[string]float64{}
	}
	return InteractionStart{
		Type:           TypeInteractionStart,
		RequestID:      requestID,
		PersonID:       personID,
		FaceRecognized: recognized,
		FaceConfidence: confidence,
		FaceEmbedding:  embedding,
		Context:        ctx,
	}
}

func NewAudioEnd(requestID string) AudioEnd {
	return AudioEnd{Type: TypeAudioEnd, RequestID: requestID}
}

func NewImage(requestID, purpose string, jpeg []byte) Image {
	return Image{Type: TypeImage, RequestID: requestID, Purpose: purpose, Data: base64.StdEncoding.EncodeToString(jpeg)}
}

func NewVideo(requestID string, duration time.Duration, data []byte) Video {
	return Video{
		Type:       TypeVideo,
		RequestID:  requestID,
		DurationMS: duration.Milliseconds(),
		Data:       base64.StdEncoding.EncodeToString(data),
	}
}

func NewText(requestID, content, personID string) Text {
	return Text{Type: TypeText, RequestID: requestID, Content: content, PersonID: personID}
}

func NewFaceScanMode(requestID string) FaceScanMode {
	return FaceScanMode{Type: TypeFaceScanMode, RequestID: requestID}
}

func NewPersonDetected(requestID string, known bool, personID string, confidence float64, embedding []float32) PersonDetected {
	if embedding == nil {
		embedding = []float32{}
	}
	return PersonDetected{
		Type:          TypePersonDetected,
		RequestID:     requestID,
		Known:         known,
		PersonID:      personID,
		Confidence:    confidence,
		FaceEmbedding: embedding,
	}
}

func NewBatteryAlert(requestID string, level int, source string) BatteryAlert {
	return BatteryAlert{Type: TypeBatteryAlert, RequestID: requestID, BatteryLevel: level, Source: source}
}

// Encode marshals an outgoing frame.
func Encode(msg Outgoing) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.MessageType(), err)
	}
	return data, nil
}
