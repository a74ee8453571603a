package query

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/control"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal in-memory stand-in for internal/transport.Transport,
// letting handler tests drive the reader side directly.
type fakeTransport struct {
	mu         sync.Mutex
	written    []string
	recordCh   chan wire.Record
	readCalled bool
	closed     bool
	stashedErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Write(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, line)
	return nil
}

func (f *fakeTransport) EndInput() error { return nil }

func (f *fakeTransport) ReadRecords() (<-chan wire.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readCalled {
		return nil, assertErr("ReadRecords called more than once")
	}
	f.readCalled = true
	f.recordCh = make(chan wire.Record, 16)
	return f.recordCh, nil
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stashedErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.recordCh)
	return nil
}

func (f *fakeTransport) push(rec wire.Record) {
	f.recordCh <- rec
}

func (f *fakeTransport) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestHandlerInitializeNonStreamingIsNoop(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: false})
	require.NoError(t, h.Start(context.Background()))

	resp, err := h.Initialize(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Empty(t, tr.writtenLines())
}

func TestHandlerInitializeSendsPayloadAndCaches(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true, InitializePayload: map[string]any{"systemPrompt": "be nice"}})
	require.NoError(t, h.Start(context.Background()))

	go func() {
		for _, line := range pollForLines(tr, 1, 2*time.Second) {
			var env wire.ControlRequestEnvelope
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				panic(err)
			}
			resp := wire.ControlResponseSuccess(env.RequestID, map[string]any{"ok": true})
			tr.push(wire.Record(resp))
		}
	}()

	resp1, err := h.Initialize(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, resp1["ok"])

	// Second call is idempotent and returns the cached response without a
	// second control_request.
	resp2, err := h.Initialize(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, resp1, resp2)
	assert.Len(t, tr.writtenLines(), 1)
}

func waitForLines(t *testing.T, tr *fakeTransport, n int) []string {
	t.Helper()
	lines := pollForLines(tr, n, 2*time.Second)
	if len(lines) < n {
		t.Fatalf("timed out waiting for %d written lines", n)
	}
	return lines
}

// pollForLines is the goroutine-safe counterpart of waitForLines, usable
// from a background goroutine where calling testing.T methods would be unsafe.
func pollForLines(tr *fakeTransport, n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		lines := tr.writtenLines()
		if len(lines) >= n {
			return lines
		}
		time.Sleep(time.Millisecond)
	}
	return tr.writtenLines()
}

func TestHandlerStartIsIdempotentAndRefusesAfterClose(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true})

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Start(context.Background())) // second call is a no-op

	require.NoError(t, h.Close())
	err := h.Start(context.Background())
	require.Error(t, err)
}

// TestHandlerIdempotentClose is the §8 "idempotent close" property at the
// handler level: k concurrent Close calls all return, exactly one performs
// teardown.
func TestHandlerIdempotentClose(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true})
	require.NoError(t, h.Start(context.Background()))

	const k = 8
	done := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() { done <- h.Close() }()
	}
	for i := 0; i < k; i++ {
		require.NoError(t, <-done)
	}

	err := h.SendRecord(wire.Record{"type": "user"})
	require.Error(t, err)
}

func TestHandlerClosePendingAbort(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true})
	require.NoError(t, h.Start(context.Background()))

	ch := h.Engine().Pending().Register("req_1")
	require.NoError(t, h.Close())

	c := <-ch
	require.Error(t, c.Err)
}

func TestHandlerReadLoopDispatchesControlRequest(t *testing.T) {
	tr := newFakeTransport()

	var invoked bool
	handlers := control.InboundHandlers{
		PermissionHandler: func(context.Context, string, json.RawMessage, control.PermissionContext) (map[string]any, error) {
			invoked = true
			return map[string]any{"allowed": true}, nil
		},
	}

	h := New(Config{Transport: tr, Streaming: true, InboundHandlers: handlers})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	req := wire.NewControlRequest("req_1", wire.SubtypeCanUseTool, map[string]any{"tool_name": "Bash"})
	line, err := wire.MarshalLine(req)
	require.NoError(t, err)
	var rec wire.Record
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	tr.push(rec)

	lines := waitForLines(t, tr, 1)
	var env struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &env))
	assert.Equal(t, "control_response", env.Type)
	assert.Equal(t, "success", env.Response.Subtype)
	assert.Equal(t, "req_1", env.Response.RequestID)
	assert.True(t, invoked)
}

func TestHandlerConsumerReceivesDataRecords(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	it := h.Consumer()
	tr.push(wire.Record{"type": "assistant", "n": 1})
	tr.push(wire.Record{"type": "result", "n": 2})

	rec, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rec["n"])

	rec, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, rec["n"])
}

// TestFirstResultLatch is the §8 "first-result latch" property: once a
// result record is observed, a bidirectional StreamInput proceeds past its
// wait well within the stream-close timeout.
func TestFirstResultLatch(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	done := make(chan error, 1)
	go func() {
		sent := false
		done <- h.StreamInput(context.Background(), func() (wire.Record, bool, error) {
			if sent {
				return nil, false, nil
			}
			sent = true
			return wire.Record{"type": "user"}, true, nil
		}, true)
	}()

	tr.push(wire.Record{"type": "result"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamInput did not return after first-result latch fired")
	}
}

func TestStreamInputNonBidirectionalEndsImmediately(t *testing.T) {
	tr := newFakeTransport()
	h := New(Config{Transport: tr, Streaming: true})
	require.NoError(t, h.Start(context.Background()))
	defer h.Close()

	sent := false
	err := h.StreamInput(context.Background(), func() (wire.Record, bool, error) {
		if sent {
			return nil, false, nil
		}
		sent = true
		return wire.Record{"type": "user"}, true, nil
	}, false)
	require.NoError(t, err)
}
