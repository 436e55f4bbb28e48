package audio

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotcore/internal/ports"
)

func TestMicrophoneStartReadAndStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "mic.sh", "#!/usr/bin/env bash\nprintf 'pcm-bytes'\nsleep 2\n")
	mic := NewMicrophone(script)

	session, err := mic.Start(context.Background(), ports.AudioConfig{})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, _ := session.Read(buf)
	assert.Equal(t, "pcm-bytes", string(buf[:n]))

	require.NoError(t, session.Stop())
	require.NoError(t, session.Stop(), "stop must be idempotent")
}

func TestMicrophoneDeviceFailureIsReported(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'no such device' 1>&2\nexit 1\n")
	mic := NewMicrophone(script)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := mic.Start(ctx, ports.AudioConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Contains(t, err.Error(), "no such device")
}

func TestCameraSplitsMJPEGStream(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "cam.sh",
		"#!/usr/bin/env bash\nprintf 'junk\\xff\\xd8one\\xff\\xd9\\xff\\xd8two\\xff\\xd9'\nsleep 2\n")
	camera := NewCamera(script)

	session, err := camera.Start(context.Background(), ports.CameraConfig{})
	require.NoError(t, err)

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case frame := <-session.Frames():
			got = append(got, string(frame.JPEG[2:len(frame.JPEG)-2]))
		case <-timeout:
			t.Fatalf("frames not received, got %v", got)
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)

	require.NoError(t, session.Stop())
	require.NoError(t, session.Stop())
	for range session.Frames() {
	}
}

func TestJPEGSplitterAcrossChunks(t *testing.T) {
	t.Parallel()

	var s jpegSplitter
	assert.Empty(t, s.Write([]byte{0x00, 0xff}))
	assert.Empty(t, s.Write([]byte{0xd8, 'a', 'b', 0xff}))
	frames := s.Write([]byte{0xd9, 0xff, 0xd8, 'c'})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xff, 0xd8, 'a', 'b', 0xff, 0xd9}, frames[0])

	frames = s.Write([]byte{0xff, 0xd9})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xff, 0xd8, 'c', 0xff, 0xd9}, frames[0])
}

func TestMediaCapturePhoto(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "photo.sh", "#!/usr/bin/env bash\nprintf 'jpeg'\n")
	media := NewMediaCapture(script, ports.CameraConfig{})

	data, err := media.Photo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
}

func TestMediaCaptureVideoFailure(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "video.sh", "#!/usr/bin/env bash\necho 'busy' 1>&2\nexit 3\n")
	media := NewMediaCapture(script, ports.CameraConfig{})

	_, err := media.Video(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video capture")
}

func TestIgnoreExitStatus(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	require.Error(t, err)
	assert.NoError(t, ignoreExitStatus(err))
	assert.Equal(t, "hi", trimOutput("  hi\n"))
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o700))
	return path
}
