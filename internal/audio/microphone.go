package audio

import (
	"context"
	"strconv"

	"robotcore/internal/ports"
)

// Microphone captures s16le PCM from the host input device through ffmpeg.
type Microphone struct {
	command string
}

func NewMicrophone(command string) *Microphone {
	if command == "" {
		command = "ffmpeg"
	}
	return &Microphone{command: command}
}

func (m *Microphone) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withAudioDefaults(cfg)
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	proc, err := startFFMPEG(ctx, m.command, args)
	if err != nil {
		return nil, err
	}
	return &micSession{proc: proc}, nil
}

type micSession struct {
	proc *ffmpegProcess
}

func (s *micSession) Read(p []byte) (int, error) { return s.proc.Read(p) }
func (s *micSession) Close() error               { return s.proc.Stop() }
func (s *micSession) Stop() error                { return s.proc.Stop() }

func withAudioDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}
