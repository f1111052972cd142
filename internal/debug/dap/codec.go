package dap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	godap "github.com/google/go-dap"
)

// MaxContentLength is the largest payload the decoder accepts (10MB).
const MaxContentLength = 10 * 1024 * 1024

var crlfcrlf = []byte("\r\n\r\n")

// ErrBadHeader is returned when a header block has no parsable length.
var ErrBadHeader = errors.New("dap: malformed Content-Length header")

// Decoder turns an arbitrarily chunked byte stream into messages. It keeps
// unconsumed bytes between calls to Feed.
type Decoder struct {
	buf  []byte
	need int // payload length still expected, -1 when reading headers
}

// NewDecoder creates a decoder positioned at a header boundary.
func NewDecoder() *Decoder {
	return &Decoder{need: -1}
}

// Feed appends p to the buffer and returns every message that is now
// complete. An error leaves the decoder unusable; the connection should be
// dropped.
func (d *Decoder) Feed(p []byte) ([]*Message, error) {
	d.buf = append(d.buf, p...)
	var out []*Message
	for {
		if d.need >= 0 {
			if len(d.buf) < d.need {
				return out, nil
			}
			msg, err := decodePayload(d.buf[:d.need])
			if err != nil {
				return out, err
			}
			out = append(out, msg)
			d.buf = d.buf[d.need:]
			d.need = -1
			continue
		}
		pos := bytes.Index(d.buf, crlfcrlf)
		if pos == -1 {
			return out, nil
		}
		colon := bytes.LastIndexByte(d.buf[:pos], ':')
		if colon == -1 {
			return out, fmt.Errorf("%w: %q", ErrBadHeader, d.buf[:pos])
		}
		length, err := strconv.Atoi(string(bytes.TrimSpace(d.buf[colon+1 : pos])))
		if err != nil || length < 0 || length > MaxContentLength {
			return out, fmt.Errorf("%w: %q", ErrBadHeader, d.buf[:pos])
		}
		d.buf = d.buf[pos+len(crlfcrlf):]
		d.need = length
	}
}

// Pending reports whether a partial message is buffered.
func (d *Decoder) Pending() bool {
	return d.need >= 0 || len(d.buf) > 0
}

func decodePayload(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("dap: decode payload: %w", err)
	}
	return &msg, nil
}

// Encode serialises msg with its Content-Length header.
func Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes msg onto w. No headers other than Content-Length are sent.
func Write(w io.Writer, msg *Message) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dap: encode %s: %w", msg.Kind, err)
	}
	if err := godap.WriteBaseMessage(w, content); err != nil {
		return fmt.Errorf("dap: write message: %w", err)
	}
	return nil
}

// Reader decodes messages from a stream using a Decoder.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	chunk   []byte
	pending []*Message
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, dec: NewDecoder(), chunk: make([]byte, 4096)}
}

// Read returns the next message, reading from the stream as needed.
func (r *Reader) Read() (*Message, error) {
	for len(r.pending) == 0 {
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			msgs, derr := r.dec.Feed(r.chunk[:n])
			r.pending = append(r.pending, msgs...)
			if derr != nil {
				return nil, derr
			}
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			if errors.Is(err, io.EOF) && r.dec.Pending() {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg, nil
}
