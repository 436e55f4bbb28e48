package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// ffmpegProcess is a long-running ffmpeg child whose stdout is the media stream.
// Stop is idempotent and always reaps the child.
type ffmpegProcess struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func startFFMPEG(ctx context.Context, command string, args []string) (*ffmpegProcess, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// A device that cannot be opened makes ffmpeg exit almost immediately.
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited during startup: %w: %s", err, trimOutput(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited during startup")
	case <-time.After(startupGrace):
	}

	return &ffmpegProcess{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func (p *ffmpegProcess) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *ffmpegProcess) Stop() error {
	p.stopOnce.Do(func() {
		if p.process != nil {
			_ = p.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = ignoreExitStatus(err)
			}
		case <-time.After(stopGrace):
			if p.process != nil {
				_ = p.process.Kill()
			}
			if err, ok := <-p.waitErr; ok {
				p.stopErr = ignoreExitStatus(err)
			}
		}

		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.stopErr == nil {
			p.stopErr = err
		}
		if p.stopErr != nil && p.stderr.Len() > 0 {
			p.stopErr = fmt.Errorf("%w: %s", p.stopErr, trimOutput(p.stderr.String()))
		}
	})
	return p.stopErr
}

// runFFMPEG runs a one-shot ffmpeg command and returns its stdout.
func runFFMPEG(ctx context.Context, command string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, trimOutput(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}

// ignoreExitStatus drops the non-zero exit that ffmpeg reports after SIGINT.
func ignoreExitStatus(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > 512 {
		out = out[len(out)-512:]
	}
	return out
}
