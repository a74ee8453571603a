// Package transport implements the Subprocess Transport component (C3): a
// duplex record interface over the assistant subprocess with single-reader
// discipline, thread-safe writes, and terminal-error propagation, per §4.3
// of the specification.
package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/shaharia-lab/claude-agent-core/internal/framer"
	"github.com/shaharia-lab/claude-agent-core/internal/procsup"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// enqueueTimeout bounds how long the background reader will block trying to
// hand a decoded record to the internal read queue before dropping it (§4.3,
// §5 "back-pressure").
const enqueueTimeout = 5 * time.Second

// Config configures a Transport.
type Config struct {
	Executable string
	Args       []string
	Env        map[string]string
	WorkDir    string
	Entrypoint string
	SDKVersion string
	Streaming  bool // when false, stdin is closed immediately after spawn (§4.2)

	MaxBufferSize  int
	QueueCapacity  int
	StderrCallback func(line string)

	Logger *slog.Logger
}

// Transport is the duplex record interface over the subprocess.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	proc *procsup.Process

	writeMu sync.Mutex

	ready  atomic.Bool
	closed atomic.Bool

	readerStarted atomic.Bool

	recordCh chan wire.Record
	doneCh   chan struct{}

	errMu      sync.Mutex
	stashedErr error
}

// New creates a Transport. It does not spawn the subprocess; call Connect.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
	}
}

// Connect spawns the subprocess. Idempotent: a second call on an already
// ready Transport is a no-op. Safe for concurrent callers.
func (t *Transport) Connect(ctx context.Context) error {
	if t.ready.Load() {
		return nil
	}

	proc, err := procsup.Spawn(ctx, procsup.Config{
		Executable:     t.cfg.Executable,
		Args:           t.cfg.Args,
		Env:            t.cfg.Env,
		WorkDir:        t.cfg.WorkDir,
		Entrypoint:     t.cfg.Entrypoint,
		SDKVersion:     t.cfg.SDKVersion,
		StderrCallback: t.cfg.StderrCallback,
		Logger:         t.logger,
	})
	if err != nil {
		return err
	}

	if !t.ready.CompareAndSwap(false, true) {
		_ = proc.Close()
		return nil
	}
	t.proc = proc

	if !t.cfg.Streaming {
		_ = proc.Stdin.Close()
	}

	return nil
}

// IsReady reports a snapshot of readiness.
func (t *Transport) IsReady() bool { return t.ready.Load() }

// Write atomically writes line (plus a trailing newline) to stdin. Safe for
// concurrent callers; writes are serialized.
func (t *Transport) Write(line string) error {
	if !t.ready.Load() {
		return &corerr.ConnectionError{Message: "transport not ready"}
	}
	if t.closed.Load() {
		return &corerr.ConnectionError{Message: "transport closed"}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := io.WriteString(t.proc.Stdin, line+"\n"); err != nil {
		return &corerr.ConnectionError{Message: "write failed", Cause: err}
	}
	return nil
}

// EndInput closes stdin so the peer observes EOF. Safe to call concurrently
// with Write; idempotent.
func (t *Transport) EndInput() error {
	if !t.ready.Load() {
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.proc.Stdin.Close()
	return nil
}

// ReadRecords returns a channel of decoded records. It may be called at most
// once per Transport instance; a second call returns
// *corerr.IllegalStateError. The channel is closed when the peer closes
// stdout or Close is called; a stashed terminal error (BufferOverflow or
// non-zero ProcessExit) is available via Err() once the channel is closed.
func (t *Transport) ReadRecords() (<-chan wire.Record, error) {
	if !t.readerStarted.CompareAndSwap(false, true) {
		return nil, &corerr.IllegalStateError{Message: "ReadRecords called more than once"}
	}

	t.recordCh = make(chan wire.Record, t.cfg.QueueCapacity)
	t.doneCh = make(chan struct{})

	go t.readLoop()

	return t.recordCh, nil
}

// Err returns the stashed terminal error, if any, after ReadRecords'
// channel has closed.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.stashedErr
}

func (t *Transport) stashErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.stashedErr == nil {
		t.stashedErr = err
	}
}

func (t *Transport) readLoop() {
	defer close(t.recordCh)
	defer close(t.doneCh)

	f := framer.New(t.cfg.MaxBufferSize)
	reader := bufio.NewReaderSize(t.proc.Stdout, 64*1024)

	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			records, frameErr := f.Feed(chunk)
			for _, rec := range records {
				if !t.enqueue(rec) {
					return
				}
			}
			if frameErr != nil {
				t.stashErr(frameErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("stdout read error", "error", err)
			}
			break
		}
	}

	if t.proc != nil {
		if waitErr := t.proc.Wait(); waitErr != nil {
			if code := t.proc.ExitCode(); code != 0 {
				t.stashErr(&corerr.ProcessExitError{ExitCode: code})
			}
		}
	}
}

// enqueue hands rec to the record channel with a timed put; on sustained
// overflow it logs and drops the record rather than blocking forever (§4.3,
// §5).
func (t *Transport) enqueue(rec wire.Record) bool {
	select {
	case t.recordCh <- rec:
		return true
	case <-time.After(enqueueTimeout):
		t.logger.Warn("record queue full, dropping record", "type", rec.Type())
		return true
	}
}

// Close performs idempotent teardown: close stdout first so the reader
// unblocks naturally, then the rest of the supervisor's teardown sequence.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.proc == nil {
		return nil
	}
	return t.proc.Close()
}
