package gitapi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"syscall"

	log "github.com/msolo/go-bis/glug"
	"github.com/pkg/errors"
)

// Cmd wraps exec.Cmd with bash-quoted tracing, so every subprocess we run
// shows up as a single copy-pasteable line in the trace log.
type Cmd struct {
	*exec.Cmd
	trace bool
}

// Trace controls whether Cmd logs a perf span for every invocation. It
// mirrors GIT_TRACE-style toggles used across the corpus and defaults on;
// callers that need quiet output (e.g. tests asserting on stdout) can flip
// it off process-wide.
var Trace = true

func (cmd *Cmd) bashString() string {
	return BashQuoteCmd(cmd.Args)
}

// ExitError adds the failing argv to the underlying *exec.ExitError so
// logs and error messages are self-contained.
type ExitError struct {
	*exec.ExitError
	Argv []string
}

func (xe *ExitError) Cause() error {
	return xe.ExitError
}

func (xe *ExitError) Error() string {
	return fmt.Sprintf("cmd failed: %s\n%s", xe.ExitError, xe.ExitError.Stderr)
}

// ExitCode returns the process exit code, or -1 if it cannot be determined.
func (xe *ExitError) ExitCode() int {
	if ws, ok := xe.ExitError.Sys().(syscall.WaitStatus); ok {
		return ws.ExitStatus()
	}
	return -1
}

func Command(name string, arg ...string) *Cmd {
	return &Cmd{Cmd: exec.Command(name, arg...), trace: Trace}
}

func CommandContext(ctx context.Context, name string, arg ...string) *Cmd {
	return &Cmd{Cmd: exec.CommandContext(ctx, name, arg...), trace: Trace}
}

func wrapErr(err error, cmd *exec.Cmd) error {
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if exitErr, ok := cause.(*exec.ExitError); ok {
		prefix := "  " + path.Base(cmd.Args[0]) + ": "
		if len(exitErr.Stderr) > 0 {
			indented := bytes.ReplaceAll(bytes.TrimRight(exitErr.Stderr, "\n"), []byte("\n"), []byte("\n"+prefix))
			exitErr.Stderr = append(append([]byte(prefix), indented...), '\n')
		}
		return &ExitError{ExitError: exitErr, Argv: append([]string(nil), cmd.Args...)}
	}
	return err
}

// Run executes the command, letting stderr pass through so failures are
// diagnosable; use Output when the caller wants to discard stderr noise.
func (cmd *Cmd) Run() error {
	if cmd.trace {
		defer log.Tracef("perf: {{.durationStr}} exec: %s", cmd.bashString()).Finish()
	}
	return wrapErr(cmd.Cmd.Run(), cmd.Cmd)
}

func (cmd *Cmd) Wait() error {
	return wrapErr(cmd.Cmd.Wait(), cmd.Cmd)
}

func (cmd *Cmd) Output() ([]byte, error) {
	if cmd.trace {
		defer log.Tracef("perf: {{.durationStr}} exec: %s", cmd.bashString()).Finish()
	}
	data, err := cmd.Cmd.Output()
	return data, wrapErr(err, cmd.Cmd)
}

func (cmd *Cmd) CombinedOutput() ([]byte, error) {
	if cmd.trace {
		defer log.Tracef("perf: {{.durationStr}} exec: %s", cmd.bashString()).Finish()
	}
	data, err := cmd.Cmd.CombinedOutput()
	return data, wrapErr(err, cmd.Cmd)
}

// ExitStatus extracts the numeric exit code from an error produced by Cmd,
// or returns ok=false if err did not come from a process exit.
func ExitStatus(err error) (code int, ok bool) {
	cause := errors.Cause(err)
	if xe, isExit := cause.(*ExitError); isExit {
		return xe.ExitCode(), true
	}
	if ee, isExit := cause.(*exec.ExitError); isExit {
		if ws, wsOK := ee.Sys().(syscall.WaitStatus); wsOK {
			return ws.ExitStatus(), true
		}
	}
	return 0, false
}

// argvString joins argv with single spaces for display, without wanting a
// full Cmd around it. It does no shell quoting; BashQuoteCmd gives a
// copy-pasteable rendering.
func argvString(argv []string) string {
	return strings.Join(argv, " ")
}
