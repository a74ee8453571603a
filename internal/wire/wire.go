// Package wire defines the newline-delimited JSON record shapes exchanged
// with the assistant subprocess, per §3 and §6 of the specification.
package wire

import "encoding/json"

// Record is a mapping from string to arbitrary JSON value, tagged by Type.
// It is the core's only view of anything on the wire that isn't a control
// message: data records (user, assistant, system, stream_event, result, ...)
// are opaque to the core and pass through as Record.
type Record map[string]any

// Type returns the record's "type" discriminant, or "" if absent/not a string.
func (r Record) Type() string {
	v, _ := r["type"].(string)
	return v
}

// Known top-level record types.
const (
	TypeControlRequest       = "control_request"
	TypeControlResponse      = "control_response"
	TypeControlCancelRequest = "control_cancel_request"
	TypeResult               = "result"
)

// Outbound control-request subtypes (the core is the initiator).
const (
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetModel          = "set_model"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeRewindFiles       = "rewind_files"
	SubtypeMcpMessageStatus  = "mcp_message_status"
)

// Inbound control-request subtypes (the peer is the initiator).
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
	SubtypeMcpMessage   = "mcp_message"
)

// OutboundOnlySubtypes lists the subtypes that are a protocol violation when
// they arrive from the peer as an inbound control_request (§3, §4.7, §8).
var OutboundOnlySubtypes = map[string]bool{
	SubtypeInitialize:        true,
	SubtypeInterrupt:         true,
	SubtypeSetModel:          true,
	SubtypeSetPermissionMode: true,
	SubtypeRewindFiles:       true,
	SubtypeMcpMessageStatus:  true,
}

// ControlRequestEnvelope is the outbound wire shape:
//
//	{"type":"control_request","request_id":"...","request":{"subtype":"...", ...}}
type ControlRequestEnvelope struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

// NewControlRequest builds a ControlRequestEnvelope for subtype with extra
// request fields merged in.
func NewControlRequest(requestID, subtype string, extra map[string]any) ControlRequestEnvelope {
	req := make(map[string]any, len(extra)+1)
	req["subtype"] = subtype
	for k, v := range extra {
		req[k] = v
	}
	return ControlRequestEnvelope{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   req,
	}
}

// InboundControlRequest is the shape used to classify and dispatch an
// incoming control_request record (§4.7).
type InboundControlRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// inboundSubtype peeks at the subtype field inside Request.
type inboundSubtype struct {
	Subtype string `json:"subtype"`
}

func (r InboundControlRequest) Subtype() string {
	var s inboundSubtype
	_ = json.Unmarshal(r.Request, &s)
	return s.Subtype
}

// ControlResponseSuccess is the success wire shape:
//
//	{"type":"control_response","response":{"subtype":"success","request_id":"...","response":{...}}}
func ControlResponseSuccess(requestID string, response any) Record {
	return Record{
		"type": TypeControlResponse,
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	}
}

// ControlResponseError is the error wire shape:
//
//	{"type":"control_response","response":{"subtype":"error","request_id":"...","error":"..."}}
func ControlResponseError(requestID, message string) Record {
	return Record{
		"type": TypeControlResponse,
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      message,
		},
	}
}

// InboundControlResponse is the shape used to correlate an incoming
// control_response record with a pending outbound request (§4.4).
type InboundControlResponse struct {
	Type     string `json:"type"`
	Response struct {
		Subtype   string          `json:"subtype"`
		RequestID string          `json:"request_id"`
		Response  json.RawMessage `json:"response"`
		Error     string          `json:"error"`
	} `json:"response"`
}

// EndSentinel and ErrorSentinel are the two sentinel shapes carried on the
// consumer queue (§3, §4.8). They are never yielded to callers directly.
func EndSentinel() Record { return Record{"type": "end"} }

func ErrorSentinel(msg string) Record { return Record{"type": "error", "error": msg} }

func IsEndSentinel(r Record) bool { return r.Type() == "end" }

func IsErrorSentinel(r Record) (string, bool) {
	if r.Type() != "error" {
		return "", false
	}
	msg, _ := r["error"].(string)
	return msg, true
}

// Remarshal re-encodes r and decodes it into out, used to project a generic
// Record into one of the typed envelope structs above.
func Remarshal(r Record, out any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// MarshalLine encodes v (a Record or one of the envelope structs) as a
// single JSON line with no trailing newline.
func MarshalLine(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
