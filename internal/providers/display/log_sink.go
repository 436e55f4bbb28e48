// Package display renders interaction events for a headless device. The face
// screen is a separate process; this sink records what it would be told.
package display

import (
	"github.com/rs/zerolog"

	"robotcore/internal/domain"
)

// LogSink reports every display event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "display").Logger()}
}

func (s *LogSink) StateChanged(change domain.StateChange, cue string) {
	s.logger.Info().
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Str("reason", string(change.Reason)).
		Str("cue", cue).
		Msg("state")
}

func (s *LogSink) Emotion(requestID string, emotion string) {
	s.logger.Info().Str("request_id", requestID).Str("emotion", emotion).Msg("emotion")
}

func (s *LogSink) Subtitle(text string) {
	s.logger.Info().Str("text", text).Msg("subtitle")
}

func (s *LogSink) ShowEmoji(emoji string, transition string) {
	s.logger.Debug().Str("emoji", emoji).Str("transition", transition).Msg("emoji")
}

func (s *LogSink) PersonRecognized(match domain.FaceMatch) {
	s.logger.Info().
		Str("person_id", match.PersonID).
		Str("name", match.Name).
		Float64("similarity", match.Similarity).
		Msg("person recognized")
}

func (s *LogSink) SessionError(code domain.ErrorCode, detail string) {
	s.logger.Warn().Str("code", string(code)).Str("detail", detail).Msg("session error")
}
