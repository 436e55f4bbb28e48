package ports

import (
	"context"
	"io"
	"time"

	"robotcore/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing s16le PCM.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// AudioEncoder compresses a finished PCM utterance into transport packets.
type AudioEncoder interface {
	Encode(pcm []byte) ([][]byte, error)
	Format() string
}

// CameraConfig describes the forward-facing camera pipeline.
type CameraConfig struct {
	Device    string
	Format    string
	FrameRate int
	Width     int
	Height    int
}

// Frame is one JPEG-encoded camera frame.
type Frame struct {
	JPEG []byte
	At   time.Time
}

// FrameSession is a running camera pipeline.
type FrameSession interface {
	Frames() <-chan Frame
	Stop() error
}

// Camera starts camera pipelines.
type Camera interface {
	Start(ctx context.Context, cfg CameraConfig) (FrameSession, error)
}

// FaceDetector finds the most prominent face in a frame; nil means no face.
type FaceDetector interface {
	Detect(ctx context.Context, frame Frame) (*domain.FaceCrop, error)
}

// FaceEmbedder produces a similarity vector for a face crop.
type FaceEmbedder interface {
	Embed(ctx context.Context, crop domain.FaceCrop) ([]float32, error)
}

// StoredIdentity is one enrolled person.
type StoredIdentity struct {
	PersonID  string
	Name      string
	Embedding []float32
}

// IdentityStore persists enrolled identities.
type IdentityStore interface {
	All(ctx context.Context) ([]StoredIdentity, error)
	Save(ctx context.Context, identity StoredIdentity) error
}

// IdentityResult is the outcome of matching one face crop.
type IdentityResult struct {
	Match     *domain.FaceMatch
	Best      float64
	Embedding []float32
}

// IdentityMatcher resolves a face crop to a stored identity.
type IdentityMatcher interface {
	Match(ctx context.Context, crop domain.FaceCrop) (IdentityResult, error)
	Threshold() float64
}

// Synthesizer speaks one sentence and returns once playback has finished.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// SpeechPlayer queues sentences for ordered playback.
type SpeechPlayer interface {
	Enqueue(text string)
	// WaitIdle blocks until every sentence enqueued so far has finished playing.
	WaitIdle(ctx context.Context) error
	Flush()
	Speaking() bool
}

// MediaCapture produces payloads for backend capture requests.
type MediaCapture interface {
	Photo(ctx context.Context) ([]byte, error)
	Video(ctx context.Context, duration time.Duration) ([]byte, error)
}

// BatteryReader reads the host device battery in percent.
type BatteryReader interface {
	Level(ctx context.Context) (int, error)
}

// EventSink surfaces interaction state to the display layer.
type EventSink interface {
	StateChanged(change domain.StateChange, cue string)
	Emotion(requestID string, emotion string)
	Subtitle(text string)
	ShowEmoji(emoji string, transition string)
	PersonRecognized(match domain.FaceMatch)
	SessionError(code domain.ErrorCode, detail string)
}
