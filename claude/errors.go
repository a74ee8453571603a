package claude

import (
	"errors"
	"fmt"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
)

// CLINotFoundError is returned when the claude binary cannot be found or executed.
type CLINotFoundError struct {
	ExecutablePath string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("claude: binary not found: %q", e.ExecutablePath)
}

// ProcessError is returned when the claude subprocess exits with a non-zero status.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Message  string
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("claude: process error (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("claude: process error (exit %d): %s", e.ExitCode, e.Message)
}

// CLIJSONDecodeError is returned when a JSON line from the claude process cannot be decoded.
type CLIJSONDecodeError struct {
	Line []byte
	Err  error
}

func (e *CLIJSONDecodeError) Error() string {
	return fmt.Sprintf("claude: JSON decode error: %v (line: %s)", e.Err, e.Line)
}

func (e *CLIJSONDecodeError) Unwrap() error { return e.Err }

// translateErr maps the core's typed error kinds onto this package's public
// error types, so callers that type-assert on claude.CLINotFoundError etc.
// keep working regardless of which internal layer raised the failure.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var notFound *corerr.CLINotFoundError
	if errors.As(err, &notFound) {
		return &CLINotFoundError{ExecutablePath: notFound.ExecutablePath}
	}
	var exitErr *corerr.ProcessExitError
	if errors.As(err, &exitErr) {
		return &ProcessError{ExitCode: exitErr.ExitCode, Stderr: exitErr.Stderr}
	}
	var decodeErr *corerr.DecodeError
	if errors.As(err, &decodeErr) {
		return &CLIJSONDecodeError{Line: decodeErr.Line, Err: decodeErr.Err}
	}
	return err
}
