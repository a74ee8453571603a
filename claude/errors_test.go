package claude

import (
	"errors"
	"testing"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateErrNil(t *testing.T) {
	assert.NoError(t, translateErr(nil))
}

func TestTranslateErrCLINotFound(t *testing.T) {
	err := translateErr(&corerr.CLINotFoundError{ExecutablePath: "/usr/bin/claude"})
	var notFound *CLINotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "/usr/bin/claude", notFound.ExecutablePath)
}

func TestTranslateErrProcessExit(t *testing.T) {
	err := translateErr(&corerr.ProcessExitError{ExitCode: 7, Stderr: "boom"})
	var procErr *ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, 7, procErr.ExitCode)
	assert.Equal(t, "boom", procErr.Stderr)
}

func TestTranslateErrDecodeError(t *testing.T) {
	cause := errors.New("unexpected token")
	err := translateErr(&corerr.DecodeError{Line: []byte("garbage"), Err: cause})
	var decodeErr *CLIJSONDecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "garbage", string(decodeErr.Line))
	assert.ErrorIs(t, decodeErr, cause)
}

func TestTranslateErrPassesThroughUnknownKinds(t *testing.T) {
	cause := errors.New("some other failure")
	assert.Equal(t, cause, translateErr(cause))
}
