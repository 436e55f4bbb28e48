package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandSynthesizer speaks by running an external TTS command with the
// sentence as its final argument, e.g. "espeak-ng -v en".
type CommandSynthesizer struct {
	command string
	args    []string
}

func NewCommandSynthesizer(commandLine string) *CommandSynthesizer {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		fields = []string{"espeak-ng"}
	}
	return &CommandSynthesizer{command: fields[0], args: fields[1:]}
}

// Speak returns once the command exits, which for a playing TTS engine means playback ended.
func (s *CommandSynthesizer) Speak(ctx context.Context, text string) error {
	args := append(append([]string(nil), s.args...), text)
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("failed to run tts command: %w", err)
	}
	return nil
}
