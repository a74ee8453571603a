// Package query implements the Query Handler Lifecycle (C9): it composes
// the transport, pending table, callback registry, control engine, and
// consumer queue into the full control protocol — initialization handshake,
// inbound dispatch (C6), and coordinated shutdown — per §4.9 of the
// specification.
package query

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaharia-lab/claude-agent-core/internal/control"
	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/shaharia-lab/claude-agent-core/internal/queue"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

const (
	defaultStreamCloseTimeout = 60 * time.Second
	streamCloseTimeoutEnv     = "CLAUDE_CODE_STREAM_CLOSE_TIMEOUT"

	readerShutdownGrace   = 10 * time.Second
	readerShutdownForce   = 2 * time.Second
	controlShutdownGrace  = 5 * time.Second
	controlShutdownForce  = 2 * time.Second

	controlWorkerPoolSize = 8
)

// Transport is the subset of internal/transport.Transport the handler
// depends on, named here so tests can substitute a fake.
type Transport interface {
	Connect(ctx context.Context) error
	Write(line string) error
	EndInput() error
	ReadRecords() (<-chan wire.Record, error)
	Err() error
	Close() error
}

// Config bundles the construction parameters from §4.9.
type Config struct {
	Transport Transport
	Streaming bool

	InboundHandlers control.InboundHandlers
	// InitializePayload carries the full initialize field set (systemPrompt,
	// sdkMcpServers, agents, hooks, outputFormat, sandbox, ...).
	InitializePayload map[string]any

	QueueCapacity int
	Logger        *slog.Logger
}

// Handler is the Query Handler Lifecycle (C9).
type Handler struct {
	transport Transport
	streaming bool
	logger    *slog.Logger

	closed        atomic.Bool
	readerStarted atomic.Bool
	initialized   atomic.Bool

	initMu         sync.Mutex
	cachedInitResp map[string]any

	engine      *control.Engine
	callbacks   *control.CallbackRegistry
	handlers    control.InboundHandlers
	initPayload map[string]any

	q *queue.Queue

	firstResultOnce sync.Once
	firstResultCh   chan struct{}

	streamCloseTimeout time.Duration

	controlSem chan struct{} // bounds the control worker pool

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

// New constructs a Handler over an already-connected transport.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "query")

	h := &Handler{
		transport:          cfg.Transport,
		streaming:          cfg.Streaming,
		logger:             logger,
		handlers:           cfg.InboundHandlers,
		initPayload:        cfg.InitializePayload,
		callbacks:          control.NewCallbackRegistry(),
		q:                  queue.New(cfg.QueueCapacity),
		firstResultCh:      make(chan struct{}),
		streamCloseTimeout: resolveStreamCloseTimeout(),
		controlSem:         make(chan struct{}, controlWorkerPoolSize),
	}
	h.handlers.Callbacks = h.callbacks
	h.engine = control.NewEngine(writerFunc(h.writeLine), cfg.Streaming, &h.closed)
	return h
}

func resolveStreamCloseTimeout() time.Duration {
	if v := os.Getenv(streamCloseTimeoutEnv); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultStreamCloseTimeout
}

type writerFunc func(string) error

func (f writerFunc) Write(line string) error { return f(line) }

func (h *Handler) writeLine(line string) error {
	if h.closed.Load() {
		return corerr.NewClosedSDKError()
	}
	return h.transport.Write(line)
}

// Engine exposes the control engine's typed operations to the public façade.
func (h *Handler) Engine() *control.Engine { return h.engine }

// Callbacks exposes the callback registry so the façade can assign hook ids
// before building the initialize payload.
func (h *Handler) Callbacks() *control.CallbackRegistry { return h.callbacks }

// SetInboundHandlers replaces the application-supplied collaborators the
// inbound dispatcher (C6) routes to. Must be called before Start.
func (h *Handler) SetInboundHandlers(handlers control.InboundHandlers) {
	handlers.Callbacks = h.callbacks
	h.handlers = handlers
}

// SetInitializePayload sets the full field set sent with the initialize
// control request (systemPrompt, sdkMcpServers, agents, hooks, outputFormat,
// sandbox, ...). Must be called before Initialize.
func (h *Handler) SetInitializePayload(payload map[string]any) {
	h.initPayload = payload
}

// Start begins the reader task. Idempotent for concurrent callers; refuses
// if the handler is closed (§4.9).
func (h *Handler) Start(ctx context.Context) error {
	if h.closed.Load() {
		return &corerr.IllegalStateError{Message: "Start called after Close"}
	}
	if !h.readerStarted.CompareAndSwap(false, true) {
		return nil
	}

	egCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(egCtx)
	h.eg = eg
	h.egCtx = egCtx
	h.cancel = cancel

	records, err := h.transport.ReadRecords()
	if err != nil {
		return err
	}

	eg.Go(func() error {
		h.readLoop(records)
		return nil
	})

	return nil
}

// Initialize performs the handshake (§4.9). A no-op when not in streaming
// mode. Idempotent: a second call returns the cached response.
func (h *Handler) Initialize(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	if !h.streaming {
		return nil, nil
	}

	h.initMu.Lock()
	defer h.initMu.Unlock()

	if h.initialized.Load() {
		return h.cachedInitResp, nil
	}

	resp, err := h.engine.Initialize(ctx, h.initPayload, timeout)
	if err != nil {
		h.initialized.Store(false)
		h.callbacks.Clear()
		_ = h.transport.Close()
		return nil, &corerr.SDKError{Message: "Failed to initialize", Cause: err}
	}

	h.initialized.Store(true)
	h.cachedInitResp = resp
	return resp, nil
}

// Consumer returns a new Iterator over the data record queue (§4.8).
func (h *Handler) Consumer() *queue.Iterator { return h.q.NewIterator() }

// SendRecord writes a single data-type record as one line, for callers
// driving the transport one message at a time (e.g. a multi-turn session)
// rather than through StreamInput's pull-based iterator.
func (h *Handler) SendRecord(rec wire.Record) error {
	line, err := wire.MarshalLine(rec)
	if err != nil {
		return &corerr.SDKError{Message: "failed to encode outbound record", Cause: err}
	}
	return h.writeLine(line)
}

// StreamInput writes each record from next() to the transport as a line.
// When hasBidirectionalCallbacks is true, waits for the first-result event
// (bounded by the stream-close timeout) before calling EndInput, giving the
// peer a chance to finish bidirectional exchanges (§4.9).
func (h *Handler) StreamInput(ctx context.Context, next func() (wire.Record, bool, error), hasBidirectionalCallbacks bool) error {
	for {
		rec, ok, err := next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		line, err := wire.MarshalLine(rec)
		if err != nil {
			return &corerr.SDKError{Message: "failed to encode outbound record", Cause: err}
		}
		if err := h.writeLine(line); err != nil {
			return err
		}
	}

	if hasBidirectionalCallbacks {
		select {
		case <-h.firstResultCh:
		case <-time.After(h.streamCloseTimeout):
			h.logger.Warn("timed out waiting for first result before closing stdin")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return h.transport.EndInput()
}

// Close performs the shutdown sequence from §4.9.
func (h *Handler) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.engine.Pending().AbortAll(control.ClosedError())
	h.latchFirstResult()

	_ = h.transport.Close()

	if h.cancel != nil {
		h.cancel()
	}

	if h.eg != nil {
		done := make(chan struct{})
		go func() {
			_ = h.eg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(readerShutdownGrace):
			select {
			case <-done:
			case <-time.After(readerShutdownForce):
				h.logger.Warn("reader task did not stop within shutdown budget")
			}
		}
	}

	// Control-executor shutdown: drain the worker-pool semaphore with a
	// budget; warn if outstanding control handlers overrun it (§4.9 step 5).
	h.waitControlWorkers(controlShutdownGrace, controlShutdownForce)

	h.callbacks.Clear()
	h.q.SignalClosed()

	return nil
}

func (h *Handler) waitControlWorkers(grace, force time.Duration) {
	done := make(chan struct{})
	go func() {
		for i := 0; i < controlWorkerPoolSize; i++ {
			h.controlSem <- struct{}{}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		select {
		case <-done:
		case <-time.After(force):
			h.logger.Warn("control worker pool did not drain within shutdown budget")
		}
	}
}

func (h *Handler) latchFirstResult() {
	h.firstResultOnce.Do(func() { close(h.firstResultCh) })
}

// readLoop is the Inbound Dispatcher (C6): it classifies each record in
// arrival order and routes it.
func (h *Handler) readLoop(records <-chan wire.Record) {
	defer h.latchFirstResult()
	defer h.q.PushEnd()

	for rec := range records {
		switch rec.Type() {
		case wire.TypeControlResponse:
			var resp wire.InboundControlResponse
			if err := wire.Remarshal(rec, &resp); err == nil {
				h.engine.HandleControlResponse(resp)
			}

		case wire.TypeControlRequest:
			var req wire.InboundControlRequest
			if err := wire.Remarshal(rec, &req); err != nil {
				h.logger.Warn("dropping malformed control_request", "error", err)
				continue
			}
			h.dispatchControlRequest(req, rec)

		case wire.TypeControlCancelRequest:
			// Accepted and ignored: a forward-compatible no-op (§4.6 item 3).

		case wire.TypeResult:
			h.latchFirstResult()
			if !h.q.Push(rec, 5*time.Second) {
				h.logger.Warn("consumer queue full, dropping result record")
			}

		default:
			if !h.q.Push(rec, 5*time.Second) {
				h.logger.Warn("consumer queue full, dropping record", "type", rec.Type())
			}
		}
	}

	if !h.closed.Load() {
		if err := h.transport.Err(); err != nil {
			h.engine.Pending().AbortAll(err)
			h.q.PushError(err.Error())
		}
	}
}

// dispatchControlRequest hands req to the bounded control worker pool, so
// the callback runs off the reader goroutine (§4.6 item 2). When
// all controlWorkerPoolSize workers are busy this send blocks the caller —
// readLoop, here — until one frees up, which momentarily stalls delivery of
// further inbound records. Accepted as within the "multi-task executor"
// latitude: a wider or unbounded pool would remove the stall but also
// removes the bound on concurrent in-flight callbacks.
func (h *Handler) dispatchControlRequest(req wire.InboundControlRequest, raw wire.Record) {
	h.controlSem <- struct{}{}

	go func() {
		defer func() { <-h.controlSem }()
		defer func() {
			if r := recover(); r != nil {
				reqID := control.RecoverRequestID(raw)
				if reqID != "" {
					h.writeResponse(wire.ControlResponseError(reqID, "internal error"))
				}
			}
		}()

		resp := control.Dispatch(h.egCtxOrBackground(), req, h.handlers)
		h.writeResponse(resp)
	}()
}

func (h *Handler) egCtxOrBackground() context.Context {
	if h.egCtx != nil {
		return h.egCtx
	}
	return context.Background()
}

// writeResponse writes a control_response; if the transport is closed, the
// response is silently dropped (§4.7).
func (h *Handler) writeResponse(resp wire.Record) {
	line, err := wire.MarshalLine(resp)
	if err != nil {
		return
	}
	if err := h.writeLine(line); err != nil {
		h.logger.Debug("dropping control response on closed transport", "error", err)
	}
}
