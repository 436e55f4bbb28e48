package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// harnessTarget is the slice of the orchestrator the stdin harness drives.
type harnessTarget interface {
	Wake()
	RequestFaceScan()
	SubmitText(text string)
}

// runHarness reads one command per line until r is exhausted or ctx ends.
// Malformed lines are reported to out and skipped.
func runHarness(ctx context.Context, r io.Reader, out io.Writer, target harnessTarget) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			if err := dispatch(line, target); err != nil {
				fmt.Fprintln(out, err)
			}
		}
	}
}

func dispatch(line string, target harnessTarget) error {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "":
	case "wake":
		target.Wake()
	case "scan":
		target.RequestFaceScan()
	case "say":
		text := strings.TrimSpace(rest)
		if text == "" {
			return errors.New("say needs text")
		}
		target.SubmitText(text)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
