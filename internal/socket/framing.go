// Package socket implements the control socket's wire format: one JSON
// value per newline-delimited line, bounded to 1 MiB, with an
// invalid-JSON line answered with an error response rather than closing
// the connection. Grounded on the original tako-socket crate's framing
// helpers, kept deliberately separate from command dispatch so both the
// production and dev-mode servers share one implementation of the wire
// format.
package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/takohq/tako/internal/core"
)

// MaxLineBytes bounds a single control-socket line.
const MaxLineBytes = 1 << 20 // 1 MiB

// LineReader reads newline-delimited lines up to a fixed size limit.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r, rejecting any line longer than maxLineBytes.
func NewLineReader(r io.Reader, maxLineBytes int) *LineReader {
	sc := bufio.NewScanner(r)
	// The scanner's limit is the larger of max and the initial buffer's
	// capacity, so the initial buffer must not exceed maxLineBytes.
	initial := 4096
	if maxLineBytes < initial {
		initial = maxLineBytes
	}
	sc.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &LineReader{scanner: sc}
}

// ReadLine returns the next line's bytes, without the trailing newline.
// Returns io.EOF when the underlying reader is exhausted.
func (lr *LineReader) ReadLine() ([]byte, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return nil, core.NewError(core.KindProtocol, "line exceeds 1MiB limit")
			}
			return nil, err
		}
		return nil, io.EOF
	}
	return append([]byte(nil), lr.scanner.Bytes()...), nil
}

// WriteLine marshals v as JSON and writes it followed by a newline.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Handler processes one decoded line and returns the response to write
// back (nil to write nothing) and whether the connection should close
// after this exchange.
type Handler func(line []byte) (response any, closeConn bool)

// ErrorEnvelope is the flat JSON shape every error response takes,
// regardless of which internal *core.Error produced it.
type ErrorEnvelope struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorEnvelope builds an ErrorEnvelope from err.
func NewErrorEnvelope(err error) ErrorEnvelope {
	return ErrorEnvelope{Status: "error", Kind: string(core.KindOf(err)), Message: err.Error()}
}

// ServeConnection reads lines from conn and dispatches each to handle
// until the peer disconnects, the connection is told to close, or an
// oversized line forces the connection shut (framing cannot be trusted
// to resynchronize past a line that blew the size limit). A line that
// fails to parse as JSON is the handler's concern, not framing's: the
// handler gets the raw bytes and decides whether that's recoverable.
func ServeConnection(conn net.Conn, handle Handler) error {
	lr := NewLineReader(conn, MaxLineBytes)
	for {
		line, err := lr.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_ = WriteLine(conn, NewErrorEnvelope(err))
			return err
		}

		resp, shouldClose := handle(line)
		if resp != nil {
			if werr := WriteLine(conn, resp); werr != nil {
				return werr
			}
		}
		if shouldClose {
			return nil
		}
	}
}
