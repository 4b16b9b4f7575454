package frame

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// NoContentLength marks a body terminated by the first NUL byte.
const NoContentLength = -1

// Frame is one complete STOMP message.
type Frame struct {
	Command Command
	Header  Headers
	Body    []byte

	contentLength int
}

// New creates a frame with headers given as alternating key/value pairs.
func New(cmd Command, kv ...string) *Frame {
	f := &Frame{Command: cmd, contentLength: NoContentLength}
	for i := 0; i+1 < len(kv); i += 2 {
		f.SetHeader(kv[i], kv[i+1])
	}
	return f
}

// NewWithHeaders creates a frame that owns a copy of h and body.
func NewWithHeaders(cmd Command, h Headers, body []byte) *Frame {
	f := &Frame{Command: cmd, contentLength: NoContentLength}
	h.Range(func(k, v string) bool {
		f.SetHeader(k, v)
		return true
	})
	if len(body) > 0 {
		f.Body = append([]byte(nil), body...)
	}
	return f
}

func (f *Frame) SetCommand(cmd Command) {
	f.Command = cmd
}

// SetHeader stores a header, replacing any previous value. Setting
// content-length also updates ContentLength; a non-numeric value leaves the
// frame in NUL-terminated mode.
func (f *Frame) SetHeader(key, value string) {
	f.Header.Set(key, value)
	f.noteHeader(key, value)
}

// AddHeader stores a header only if it is not already present.
func (f *Frame) AddHeader(key, value string) bool {
	if !f.Header.Add(key, value) {
		return false
	}
	f.noteHeader(key, value)
	return true
}

func (f *Frame) noteHeader(key, value string) {
	if strings.ToLower(key) != HeaderContentLength {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		f.contentLength = NoContentLength
		return
	}
	f.contentLength = n
}

func (f *Frame) AppendBody(p []byte) {
	f.Body = append(f.Body, p...)
}

// ContentLength is the parsed content-length header, or NoContentLength.
func (f *Frame) ContentLength() int {
	if f.contentLength == 0 {
		if _, ok := f.Header.Lookup(HeaderContentLength); !ok {
			return NoContentLength
		}
	}
	return f.contentLength
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Command:       f.Command,
		Header:        f.Header.Clone(),
		contentLength: f.contentLength,
	}
	if f.Body != nil {
		out.Body = append([]byte(nil), f.Body...)
	}
	return out
}

type debugFrame struct {
	Command string            `json:"command"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// String renders a deterministic debug form of the frame.
func (f *Frame) String() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(debugFrame{
		Command: f.Command.String(),
		Headers: f.Header.Map(),
		Body:    string(f.Body),
	})
	if err != nil {
		return f.Command.String()
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
