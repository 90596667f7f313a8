package watchman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// DefaultCommand runs watchman in JSON command mode: one JSON query on
// stdin, one JSON response on stdout.
var DefaultCommand = []string{"watchman", "-j", "--no-pretty"}

// commandChannel is a Channel backed by a subprocess.
type commandChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer
}

func (c *commandChannel) Input() io.Writer  { return c.stdin }
func (c *commandChannel) Output() io.Reader { return c.stdout }

// Close waits for the subprocess to exit. A non-zero exit is reported
// with the trimmed stderr for debugging.
func (c *commandChannel) Close() error {
	err := c.cmd.Wait()
	if err == nil {
		return nil
	}
	if c.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(c.stderr.String()))
	}
	return err
}

// CommandOpener returns an Opener that spawns argv for every invocation.
//
// The process is started with exec.CommandContext, so cancelling the
// context passed to PostEvents kills it and the read fails.
//
// Example:
//
//	w, err := watchman.NewWatcher(cfg, watchman.CommandOpener(watchman.DefaultCommand, repoRoot))
func CommandOpener(argv []string, workDir string) Opener {
	args := append([]string(nil), argv...)
	return func(ctx context.Context) (Channel, error) {
		if len(args) == 0 {
			return nil, errors.New("empty daemon command")
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = workDir

		ch := &commandChannel{cmd: cmd}
		cmd.Stderr = &ch.stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout: %w", err)
		}
		ch.stdin = stdin
		ch.stdout = stdout

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
		}
		return ch, nil
	}
}
