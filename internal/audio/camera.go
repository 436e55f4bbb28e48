package audio

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"robotcore/internal/ports"
)

var (
	jpegStart = []byte{0xff, 0xd8}
	jpegEnd   = []byte{0xff, 0xd9}
)

// Camera streams MJPEG frames from the forward camera through ffmpeg.
type Camera struct {
	command string
}

func NewCamera(command string) *Camera {
	if command == "" {
		command = "ffmpeg"
	}
	return &Camera{command: command}
}

func (c *Camera) Start(ctx context.Context, cfg ports.CameraConfig) (ports.FrameSession, error) {
	cfg = withCameraDefaults(cfg)
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.Format,
		"-framerate", strconv.Itoa(cfg.FrameRate),
		"-video_size", strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height),
		"-i", cfg.Device,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}

	proc, err := startFFMPEG(ctx, c.command, args)
	if err != nil {
		return nil, err
	}

	session := &cameraSession{
		proc:   proc,
		frames: make(chan ports.Frame, 2),
		done:   make(chan struct{}),
	}
	go session.readFrames()
	return session, nil
}

type cameraSession struct {
	proc   *ffmpegProcess
	frames chan ports.Frame
	done   chan struct{}

	stopOnce sync.Once
}

func (s *cameraSession) Frames() <-chan ports.Frame {
	return s.frames
}

func (s *cameraSession) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.proc.Stop()
}

// readFrames splits the MJPEG stream on JPEG markers. A slow consumer only ever
// sees the newest frame.
func (s *cameraSession) readFrames() {
	defer close(s.frames)

	var splitter jpegSplitter
	buf := make([]byte, 64*1024)
	for {
		n, err := s.proc.Read(buf)
		for _, jpeg := range splitter.Write(buf[:n]) {
			frame := ports.Frame{JPEG: jpeg, At: time.Now()}
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			default:
				select {
				case <-s.frames:
				default:
				}
				select {
				case s.frames <- frame:
				default:
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// jpegSplitter reassembles complete JPEG images from an MJPEG byte stream.
type jpegSplitter struct {
	pending []byte
}

func (j *jpegSplitter) Write(chunk []byte) [][]byte {
	j.pending = append(j.pending, chunk...)

	var out [][]byte
	for {
		start := bytes.Index(j.pending, jpegStart)
		if start < 0 {
			// Keep a trailing 0xff that may begin the next marker.
			if n := len(j.pending); n > 0 && j.pending[n-1] == 0xff {
				j.pending = j.pending[n-1:]
			} else {
				j.pending = j.pending[:0]
			}
			return out
		}
		end := bytes.Index(j.pending[start+2:], jpegEnd)
		if end < 0 {
			j.pending = j.pending[start:]
			return out
		}
		stop := start + 2 + end + 2
		out = append(out, append([]byte(nil), j.pending[start:stop]...))
		j.pending = j.pending[stop:]
	}
}

func withCameraDefaults(cfg ports.CameraConfig) ports.CameraConfig {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.Format == "" {
		cfg.Format = "v4l2"
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	return cfg
}
