package transport

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catPath locates a subprocess that simply echoes stdin to stdout, standing
// in for the assistant binary in tests that exercise the real duplex pipe.
func catPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available on this system")
	}
	return path
}

func TestTransportWriteReadRoundTrip(t *testing.T) {
	tr := New(Config{Executable: catPath(t), Streaming: true, Entrypoint: "sdk-go"})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	records, err := tr.ReadRecords()
	require.NoError(t, err)

	require.NoError(t, tr.Write(`{"type":"user","n":1}`))
	require.NoError(t, tr.Write(`{"type":"user","n":2}`))

	rec := <-records
	assert.Equal(t, float64(1), rec["n"])
	rec = <-records
	assert.Equal(t, float64(2), rec["n"])
}

// TestSingleReaderEnforced is the §8 "single reader" property.
func TestSingleReaderEnforced(t *testing.T) {
	tr := New(Config{Executable: catPath(t), Streaming: true, Entrypoint: "sdk-go"})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err := tr.ReadRecords()
	require.NoError(t, err)

	_, err = tr.ReadRecords()
	require.Error(t, err)
	var illegal *corerr.IllegalStateError
	require.ErrorAs(t, err, &illegal)
}

func TestConnectUnknownExecutable(t *testing.T) {
	tr := New(Config{Executable: "claude-agent-core-definitely-missing-binary"})
	err := tr.Connect(context.Background())
	require.Error(t, err)
	var notFound *corerr.CLINotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestConnectMissingWorkDir(t *testing.T) {
	tr := New(Config{Executable: catPath(t), WorkDir: "/no/such/directory/for/claude-agent-core"})
	err := tr.Connect(context.Background())
	require.Error(t, err)
	var connErr *corerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

// TestIdempotentClose is the §8 "idempotent close" property: concurrent
// Close calls all return, and subsequent writes fail with a closed error.
func TestIdempotentClose(t *testing.T) {
	tr := New(Config{Executable: catPath(t), Streaming: true, Entrypoint: "sdk-go"})
	require.NoError(t, tr.Connect(context.Background()))

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- tr.Close() }()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}

	err := tr.Write(`{"type":"user"}`)
	require.Error(t, err)
}

func TestEndInputIsSafeBeforeConnect(t *testing.T) {
	tr := New(Config{Executable: catPath(t)})
	assert.NoError(t, tr.EndInput())
}

func TestWriteBeforeConnectFails(t *testing.T) {
	tr := New(Config{Executable: catPath(t)})
	err := tr.Write(`{"type":"user"}`)
	require.Error(t, err)
}

func TestNonStreamingClosesStdinImmediately(t *testing.T) {
	tr := New(Config{Executable: catPath(t), Streaming: false, Entrypoint: "sdk-go"})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	err := tr.Write(`{"type":"user"}`)
	require.Error(t, err)
}

func TestProcessExitSurfacedAsTailError(t *testing.T) {
	shPath, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available on this system")
	}

	tr := New(Config{Executable: shPath, Args: []string{"-c", "exit 3"}, Entrypoint: "sdk-go"})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	records, err := tr.ReadRecords()
	require.NoError(t, err)

	for range records {
	}

	require.Eventually(t, func() bool {
		return tr.Err() != nil
	}, 2*time.Second, 10*time.Millisecond)

	var exitErr *corerr.ProcessExitError
	require.ErrorAs(t, tr.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
}
