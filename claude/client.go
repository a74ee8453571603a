package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shaharia-lab/claude-agent-core/internal/control"
	"github.com/shaharia-lab/claude-agent-core/internal/query"
	"github.com/shaharia-lab/claude-agent-core/internal/transport"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// Stream represents an active claude subprocess streaming session.
//
// Call Events() to range over the stream of events. The channel is closed when
// the agent finishes, the subprocess exits, or the context is cancelled.
//
// Control methods (SetModel, SetPermissionMode, SetMaxThinkingTokens, Interrupt)
// may be called concurrently from any goroutine while the stream is active.
type Stream struct {
	handler   *query.Handler
	transport *transport.Transport
	events    chan Event
	ctx       context.Context
	log       *slog.Logger
}

func newStream(ctx context.Context, h *query.Handler, tr *transport.Transport, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stream{
		handler:   h,
		transport: tr,
		events:    make(chan Event, 32),
		ctx:       ctx,
		log:       logger,
	}
}

func (s *Stream) logger() *slog.Logger { return s.log }

func (s *Stream) initialize(ctx context.Context) error {
	_, err := s.handler.Initialize(ctx, control.DefaultControlTimeout)
	return translateErr(err)
}

// pumpEvents drains the handler's consumer queue (C8), converting each wire
// record into an Event, until the queue signals end-of-stream.
func (s *Stream) pumpEvents() {
	go func() {
		defer close(s.events)

		it := s.handler.Consumer()
		for {
			rec, ok, err := it.Next()
			if err != nil {
				sendEvent(s.ctx, s.events, errorEvent(translateErr(err).Error()))
				return
			}
			if !ok {
				return
			}

			event, err := parseRecord(rec)
			if err != nil {
				continue
			}

			sendEvent(s.ctx, s.events, event)

			if event.Type == TypeResult {
				return
			}
		}
	}()
}

// errorEvent builds a synthetic TypeSystem/error event for process-level failures.
func errorEvent(msg string) Event {
	return Event{
		Type: TypeSystem,
		System: &SystemMessage{
			Type:    TypeSystem,
			Subtype: "error",
			Message: msg,
		},
	}
}

// sendEvent delivers an event to ch, dropping it if ctx is already done.
func sendEvent(ctx context.Context, ch chan<- Event, e Event) {
	select {
	case ch <- e:
	case <-ctx.Done():
	}
}

// Events returns the receive-only channel of events streamed from the subprocess.
// The channel is closed when the session ends. Callers should always range until
// the channel closes.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// SendUserMessage sends a user turn on an already-running Stream. Used by
// Session for multi-turn conversations; not needed for single-shot Query/Run.
func (s *Stream) SendUserMessage(msg string) error {
	return translateErr(s.handler.SendRecord(wire.Record(userMsg(msg))))
}

// SetModel asks the claude CLI to switch to a different model mid-session.
// Blocks until the CLI acknowledges the change or the context is cancelled.
func (s *Stream) SetModel(model string) error {
	return translateErr(s.handler.Engine().SetModel(s.ctx, &model))
}

// SetPermissionMode asks the claude CLI to change the permission mode mid-session.
// Blocks until the CLI acknowledges the change or the context is cancelled.
func (s *Stream) SetPermissionMode(mode PermissionMode) error {
	return translateErr(s.handler.Engine().SetPermissionMode(s.ctx, string(mode)))
}

// SetMaxThinkingTokens asks the claude CLI to update the max thinking token budget.
// Blocks until the CLI acknowledges the change or the context is cancelled.
func (s *Stream) SetMaxThinkingTokens(n int) error {
	_, err := s.handler.Engine().Send(s.ctx, "set_max_thinking_tokens", map[string]any{
		"max_thinking_tokens": n,
	}, control.DefaultControlTimeout)
	return translateErr(err)
}

// Interrupt sends the typed interrupt control request, asking the claude CLI
// to stop the in-flight turn without tearing down the session. Blocks until
// the CLI acknowledges or the context is cancelled.
func (s *Stream) Interrupt() error {
	return translateErr(s.handler.Engine().Interrupt(s.ctx))
}

// Close performs coordinated shutdown of the handler and transport. Idempotent.
func (s *Stream) Close() error {
	return translateErr(s.handler.Close())
}

// parseRecord decodes one wire record into an Event. Unknown types are
// returned with only Type and Raw set.
func parseRecord(rec wire.Record) (Event, error) {
	raw, err := json.Marshal(map[string]any(rec))
	if err != nil {
		return Event{}, err
	}

	event := Event{Type: MessageType(rec.Type()), Raw: raw}

	switch event.Type {
	case TypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			event.Assistant = &m
		}
	case TypeStreamEvent:
		var m StreamEventMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			event.StreamEvent = &m
		}
	case TypeResult:
		var m Result
		if err := json.Unmarshal(raw, &m); err == nil {
			event.Result = &m
		}
	case TypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(raw, &m); err == nil {
			event.System = &m
		}
	}

	return event, nil
}

// Query runs the claude agent with the given prompt and returns a *Stream for
// real-time event processing.
//
// The Stream.Events() channel is closed when the agent emits a TypeResult
// message, the subprocess exits, or ctx is cancelled. Callers should always
// range over the channel until it is closed.
//
// Stream control methods (SetModel, SetPermissionMode, SetMaxThinkingTokens,
// Interrupt) may be called at any time while the stream is active.
//
// Example — stream all events:
//
//	stream, err := claude.Query(ctx, "What is 2+2?")
//	if err != nil { ... }
//	for event := range stream.Events() {
//	    switch event.Type {
//	    case claude.TypeAssistant:
//	        fmt.Print(event.Assistant.Text())
//	    case claude.TypeResult:
//	        fmt.Println("session:", event.Result.SessionID)
//	    }
//	}
func Query(ctx context.Context, prompt string, opts ...Option) (*Stream, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return spawnAndStream(ctx, o, prompt)
}

// Run is a convenience wrapper around Query that blocks until the agent
// finishes and returns only the final Result.
//
// Intermediate events (streaming deltas, system messages, rate-limit events)
// are discarded. Use Query directly if you need to process them.
//
// Errors from the subprocess itself (bad flags, auth failures, crashes) are
// surfaced as Go errors so callers always get a meaningful message.
//
// Example:
//
//	result, err := claude.Run(ctx, "What is 2+2?",
//	    claude.WithModel("claude-haiku-4-5-20251001"),
//	    claude.WithThinking(claude.ThinkingDisabled),
//	)
//	if err != nil { ... }
//	fmt.Println(result.Result)
//	fmt.Println("session:", result.SessionID)
func Run(ctx context.Context, prompt string, opts ...Option) (*Result, error) {
	stream, err := Query(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for event := range stream.Events() {
		switch event.Type {

		case TypeResult:
			r := event.Result
			if r.IsError {
				msg := r.Subtype
				if len(r.Errors) > 0 {
					msg = strings.Join(r.Errors, "; ")
				}
				return nil, fmt.Errorf("claude: agent error (%s): %s", r.Subtype, msg)
			}
			return r, nil

		case TypeSystem:
			// Surface process-level errors (bad flag, auth failure, crash) that
			// were synthesised when no result message arrived.
			if event.System != nil && event.System.Subtype == "error" {
				return nil, fmt.Errorf("claude: %s", event.System.Message)
			}
		}
	}

	return nil, fmt.Errorf("claude: agent finished without a result message")
}
