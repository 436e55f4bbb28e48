package audio

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"robotcore/internal/ports"
)

// MediaCapture grabs a still photo or a short clip for backend capture requests.
type MediaCapture struct {
	command string
	camera  ports.CameraConfig
}

func NewMediaCapture(command string, camera ports.CameraConfig) *MediaCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &MediaCapture{command: command, camera: withCameraDefaults(camera)}
}

func (m *MediaCapture) Photo(ctx context.Context) ([]byte, error) {
	args := append(m.inputArgs(),
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	data, err := runFFMPEG(ctx, m.command, args)
	if err != nil {
		return nil, fmt.Errorf("photo capture: %w", err)
	}
	return data, nil
}

func (m *MediaCapture) Video(ctx context.Context, duration time.Duration) ([]byte, error) {
	if duration <= 0 {
		duration = 3 * time.Second
	}
	args := append(m.inputArgs(),
		"-t", strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		"-vcodec", "libx264",
		"-preset", "veryfast",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"-",
	)
	data, err := runFFMPEG(ctx, m.command, args)
	if err != nil {
		return nil, fmt.Errorf("video capture: %w", err)
	}
	return data, nil
}

func (m *MediaCapture) inputArgs() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", m.camera.Format,
		"-video_size", strconv.Itoa(m.camera.Width) + "x" + strconv.Itoa(m.camera.Height),
		"-i", m.camera.Device,
	}
}
