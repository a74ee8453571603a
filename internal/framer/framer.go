// Package framer implements the line-framing component (C1): it
// accumulates partial byte chunks into complete JSON records, enforcing a
// bounded buffer, per §4.1 of the specification.
package framer

import (
	"bytes"
	"encoding/json"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// DefaultMaxBufferSize is the default hard cap on the frame buffer (§6).
const DefaultMaxBufferSize = 1 << 20 // 1 MiB

// Framer accumulates chunks into complete wire.Record values.
//
// The peer emits one JSON object per logical line but may split a large
// object across multiple physical reads, or concatenate several objects
// into a single chunk. Framer handles both: split-by-newline, then
// try-decode-else-accumulate.
//
// A Framer is owned exclusively by a single reader goroutine; it is not
// safe for concurrent use.
type Framer struct {
	maxSize int
	buf     bytes.Buffer
	done    bool
}

// New creates a Framer with the given maximum buffer size. A maxSize <= 0
// uses DefaultMaxBufferSize.
func New(maxSize int) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	return &Framer{maxSize: maxSize}
}

// Feed processes one raw read chunk, returning zero or more complete
// records decoded from it (and from previously buffered partial data), plus
// a terminal error if the buffer overflowed. Once Feed returns a non-nil
// error the Framer is done: further calls are a no-op returning the same
// wrapped error.
func (f *Framer) Feed(chunk []byte) ([]wire.Record, error) {
	if f.done {
		return nil, &corerr.BufferOverflowError{Limit: f.maxSize}
	}

	var out []wire.Record
	for _, piece := range bytes.Split(chunk, []byte("\n")) {
		piece = bytes.TrimSpace(piece)
		if len(piece) == 0 {
			continue
		}

		f.buf.Write(piece)

		if f.buf.Len() > f.maxSize {
			f.done = true
			return out, &corerr.BufferOverflowError{Limit: f.maxSize}
		}

		var rec wire.Record
		if err := json.Unmarshal(f.buf.Bytes(), &rec); err != nil {
			// Assume incomplete; keep accumulating.
			continue
		}
		out = append(out, rec)
		f.buf.Reset()
	}
	return out, nil
}
