package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/forPelevin/lipsync/internal/types"
)

// maxCaptured bounds how much child output is kept for error reports.
const maxCaptured = 64 << 10

type Runner struct {
	// Stream, when set, receives child stdout and stderr as it is written.
	Stream io.Writer
	// Stdin is handed to the child. Nil means no input.
	Stdin  io.Reader
	Logger *slog.Logger
}

func New(stream io.Writer, logger *slog.Logger) *Runner {
	return &Runner{Stream: stream, Logger: logger}
}

func (r *Runner) Run(ctx context.Context, c types.Command) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("empty command")
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = r.Stdin

	tail := &tailBuffer{max: maxCaptured}
	var w io.Writer = tail
	if r.Stream != nil {
		w = io.MultiWriter(tail, r.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	logger.Debug("exec", "cmd", c.String(), "dir", c.Dir)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", c.Name, ctxErr)
		}
		if r.Stream != nil || tail.Len() == 0 {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
		return fmt.Errorf("%s: %w\n%s", c.Name, err, tail.String())
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) Len() int { return len(t.buf) }

func (t *tailBuffer) String() string { return strings.TrimRight(string(t.buf), "\n") }
