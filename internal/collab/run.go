// Package collab defines the narrow contracts of the external collaborators
// the pipeline delegates to: image conversion, offline guest fixing and
// boot validation. The orchestrator only ever sees these interfaces.
package collab

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// tailLimit bounds how much tool stderr is kept for error reporting.
const tailLimit = 4096

// ToolError carries a readable tail of a failed tool's diagnostics instead
// of swallowing them.
type ToolError struct {
	Tool string
	Err  error
	Tail string
}

func (e *ToolError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Tool, e.Err, e.Tail)
}

func (e *ToolError) Unwrap() error { return e.Err }

// tailWriter keeps the last tailLimit bytes written to it.
type tailWriter struct {
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > tailLimit {
		w.buf = w.buf[len(w.buf)-tailLimit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return strings.TrimSpace(string(w.buf))
}

// Run executes an external tool and wraps failures with a diagnostic tail.
func Run(ctx context.Context, name string, args ...string) error {
	tail := &tailWriter{}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = tail
	cmd.Stdout = tail

	if err := cmd.Run(); err != nil {
		return &ToolError{Tool: name, Err: err, Tail: tail.String()}
	}
	return nil
}

// Output executes a tool and returns its stdout, with stderr tail on error.
func Output(ctx context.Context, name string, args ...string) (string, error) {
	tail := &tailWriter{}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = tail

	out, err := cmd.Output()
	if err != nil {
		return "", &ToolError{Tool: name, Err: err, Tail: tail.String()}
	}
	return string(out), nil
}

// Available reports whether a tool can be found on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
