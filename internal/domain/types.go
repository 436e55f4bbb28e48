package domain

import "time"

// InteractionState models the robot's interaction lifecycle.
type InteractionState string

const (
	StateIdle         InteractionState = "idle"
	StateListening    InteractionState = "listening"
	StateSearching    InteractionState = "searching"
	StateGreeting     InteractionState = "greeting"
	StateRegistering  InteractionState = "registering"
	StateThinking     InteractionState = "thinking"
	StateResponding   InteractionState = "responding"
	StateError        InteractionState = "error"
	StateDisconnected InteractionState = "disconnected"
)

// AllStates lists every interaction state in declaration order.
var AllStates = []InteractionState{
	StateIdle,
	StateListening,
	StateSearching,
	StateGreeting,
	StateRegistering,
	StateThinking,
	StateResponding,
	StateError,
	StateDisconnected,
}

// Cue is the default display cue shown while a state holds.
func (s InteractionState) Cue() string {
	switch s {
	case StateIdle:
		return "sleepy"
	case StateListening:
		return "attentive"
	case StateSearching:
		return "looking"
	case StateGreeting:
		return "happy"
	case StateRegistering:
		return "curious"
	case StateThinking:
		return "thinking"
	case StateResponding:
		return "talking"
	case StateError:
		return "confused"
	case StateDisconnected:
		return "offline"
	default:
		return "neutral"
	}
}

// TransitionReason provides a structured reason for state transitions.
type TransitionReason string

const (
	ReasonSnapshot          TransitionReason = "snapshot"
	ReasonStartup           TransitionReason = "startup"
	ReasonWakeWord          TransitionReason = "wake_word"
	ReasonSearchStarted     TransitionReason = "search_started"
	ReasonFaceRecognized    TransitionReason = "face_recognized"
	ReasonFaceUnknown       TransitionReason = "face_unknown"
	ReasonNoFace            TransitionReason = "no_face"
	ReasonNoticeFinished    TransitionReason = "notice_finished"
	ReasonHandshakeSent     TransitionReason = "handshake_sent"
	ReasonSpeechEnded       TransitionReason = "speech_ended"
	ReasonTextSubmitted     TransitionReason = "text_submitted"
	ReasonCaptureDiscarded  TransitionReason = "capture_discarded"
	ReasonResponseStarted   TransitionReason = "response_started"
	ReasonResponseFinished  TransitionReason = "response_finished"
	ReasonWindowExpired     TransitionReason = "window_expired"
	ReasonErrorCleared      TransitionReason = "error_cleared"
	ReasonChannelLost       TransitionReason = "channel_lost"
	ReasonChannelReady      TransitionReason = "channel_ready"
	ReasonDeviceFailure     TransitionReason = "device_failure"
	ReasonBackendError      TransitionReason = "backend_error"
	ReasonBackendFatal      TransitionReason = "backend_fatal"
	ReasonResponseTimeout   TransitionReason = "response_timeout"
	ReasonFaceScanRequested TransitionReason = "face_scan_requested"
)

// StateChange is broadcast by the state authority on every applied transition.
type StateChange struct {
	From   InteractionState
	To     InteractionState
	Reason TransitionReason
	At     time.Time
}

// ErrorCode identifies the fault class behind an Error state or subtitle.
type ErrorCode string

const (
	ErrorCodeStartup      ErrorCode = "startup"
	ErrorCodeMicrophone   ErrorCode = "microphone"
	ErrorCodeCamera       ErrorCode = "camera"
	ErrorCodeEncoding     ErrorCode = "encoding"
	ErrorCodeBackend      ErrorCode = "backend"
	ErrorCodeProtocol     ErrorCode = "protocol"
	ErrorCodeConnectivity ErrorCode = "connectivity"
	ErrorCodeActuator     ErrorCode = "actuator"
	ErrorCodeSpeech       ErrorCode = "speech"
)

// UnknownPersonID is the identity used when no stored face matched.
const UnknownPersonID = "unknown"

// FaceMatch is a recognized identity produced by the identity matcher.
type FaceMatch struct {
	PersonID   string  `json:"personId"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// FaceCrop is a single detected face cut out of a camera frame.
type FaceCrop struct {
	JPEG       []byte
	Confidence float64
}

// SearchOutcome identifies how a face search ended.
type SearchOutcome string

const (
	SearchMatched SearchOutcome = "matched"
	SearchUnknown SearchOutcome = "unknown"
	SearchTimeout SearchOutcome = "timeout"
	SearchFailed  SearchOutcome = "failed"
)

// SearchResult is emitted exactly once per face search.
type SearchResult struct {
	Outcome    SearchOutcome
	Match      *FaceMatch
	Confidence float64
	Embedding  []float32
	Err        error
}

// CaptureOutcome identifies how a voice capture ended.
type CaptureOutcome string

const (
	CaptureVADStop   CaptureOutcome = "vad_stop"
	CaptureMaxLength CaptureOutcome = "max_length"
	CaptureDiscarded CaptureOutcome = "discarded"
	CaptureFailed    CaptureOutcome = "failed"
)

// Utterance is a finished voice capture ready for the backend.
type Utterance struct {
	PCM      []byte
	Encoded  [][]byte
	Format   string
	Duration time.Duration
	Outcome  CaptureOutcome
}

// HeartbeatStatus is the liveness bookkeeping of the actuator link.
type HeartbeatStatus struct {
	LastSent  time.Time
	LastAcked time.Time
	Failsafe  bool
}

// BatteryLevels holds the most recent battery readings in percent; -1 means unknown.
type BatteryLevels struct {
	Robot int `json:"battery_robot"`
	Phone int `json:"battery_phone"`
}

// SensorReadings is the proximity/sensor telemetry reported by the body.
type SensorReadings map[string]float64

// Expression is the contextual emoji sequence attached to a response.
type Expression struct {
	Emojis     []string
	PerEmoji   time.Duration
	Transition string
}
