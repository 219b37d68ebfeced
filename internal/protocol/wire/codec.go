package wire

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sma_chat/internal/model"
)

const (
	HeaderEvent     = "event"
	HeaderUsername  = "username"
	HeaderPassword  = "password"
	HeaderTo        = "to"
	HeaderFrom      = "from"
	HeaderType      = "type"
	HeaderStatus    = "status"
	HeaderHandshake = "handshake"
)

const separator = ": "

var ErrMalformedFrame = errors.New("malformed frame")

// canonical order for encoding; anything else follows sorted by key
var headerOrder = []string{
	HeaderEvent,
	HeaderUsername,
	HeaderPassword,
	HeaderTo,
	HeaderFrom,
	HeaderType,
	HeaderStatus,
	HeaderHandshake,
}

type (
	// Frame is a block of "key: value" header lines, a blank line, then the payload.
	Frame struct {
		Headers map[string]string
		Payload []byte
	}
)

func NewFrame(event model.Event) *Frame {
	return &Frame{
		Headers: map[string]string{HeaderEvent: string(event)},
	}
}

// With sets a header and returns the frame for chaining.
func (f *Frame) With(key, value string) *Frame {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[key] = value
	return f
}

func (f *Frame) WithPayload(p []byte) *Frame {
	f.Payload = p
	return f
}

func (f *Frame) Get(key string) string {
	return f.Headers[key]
}

func (f *Frame) Event() (model.Event, error) {
	return model.ParseEvent(f.Headers[HeaderEvent])
}

func (f *Frame) Type() (model.MessageType, error) {
	return model.ParseMessageType(f.Headers[HeaderType])
}

func (f *Frame) Status() (model.Status, error) {
	return model.ParseStatus(f.Headers[HeaderStatus])
}

// Encode serializes f. Keys and values must not contain a newline and keys must
// not contain the ": " separator, otherwise the frame could not be decoded back.
func Encode(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	for _, k := range orderedKeys(f.Headers) {
		v := f.Headers[k]
		if k == "" || strings.Contains(k, separator) || strings.ContainsRune(k, '\n') || strings.ContainsRune(v, '\n') {
			return nil, fmt.Errorf("%w: header %q cannot be encoded", ErrMalformedFrame, k)
		}
		buf.WriteString(k)
		buf.WriteString(separator)
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Payload)
	return buf.Bytes(), nil
}

// Decode parses one frame. It never returns a partially parsed frame.
func Decode(data []byte) (*Frame, error) {
	var block, payload []byte
	if len(data) > 0 && data[0] == '\n' {
		payload = data[1:]
	} else {
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			return nil, fmt.Errorf("%w: no header terminator", ErrMalformedFrame)
		}
		block, payload = data[:idx], data[idx+2:]
	}

	headers := make(map[string]string)
	if len(block) > 0 {
		for _, line := range strings.Split(string(block), "\n") {
			k, v, ok := strings.Cut(line, separator)
			if !ok || k == "" {
				return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
			}
			if _, dup := headers[k]; dup {
				return nil, fmt.Errorf("%w: duplicate header %q", ErrMalformedFrame, k)
			}
			headers[k] = v
		}
	}

	return &Frame{
		Headers: headers,
		Payload: append([]byte(nil), payload...),
	}, nil
}

func orderedKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	known := make(map[string]bool, len(headerOrder))
	for _, k := range headerOrder {
		known[k] = true
		if _, ok := h[k]; ok {
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range h {
		if !known[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
