package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownCommand     = errors.New("No such command")
	ErrMissingColon       = errors.New("no ':' in line")
	ErrMissingTerminator  = errors.New("missing frame terminator")
	ErrLineTooLong        = errors.New("line too long")
	ErrBodyTooLarge       = errors.New("body too large")
	errDecoderInvalidMode = errors.New("frame: decoder has no direction")
)

// Limits constrains decoder memory use. Zero fields are unbounded.
type Limits struct {
	MaxLineBytes int
	MaxBodyBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes: 64 * 1024,
		MaxBodyBytes: 8 * 1024 * 1024,
	}
}

// ParseError is a structural violation of the frame grammar.
type ParseError struct {
	Kind error
	Line string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("frame: %v", e.Kind)
	}
	return fmt.Sprintf("frame: %v: %q", e.Kind, e.Line)
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

// Event is one decoder output: a complete frame or an error. A validation
// failure carries both the rejected frame and the error.
type Event struct {
	Frame *Frame
	Err   error
}

// Validator checks a complete frame before it is emitted.
type Validator func(*Frame) error

type decodeState uint8

const (
	stateCommand decodeState = iota
	stateHeaders
	stateBody
	stateRecover
)

func (s decodeState) String() string {
	switch s {
	case stateCommand:
		return "command"
	case stateHeaders:
		return "headers"
	case stateBody:
		return "body"
	case stateRecover:
		return "recover"
	default:
		return "unknown"
	}
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

func WithLimits(l Limits) DecoderOption {
	return func(d *Decoder) { d.limits = l }
}

func WithValidator(v Validator) DecoderOption {
	return func(d *Decoder) { d.validate = v }
}

// Decoder incrementally turns arbitrary byte chunks into frames. It keeps
// partial state between Feed calls and is not safe for concurrent use; one
// connection owns one decoder.
type Decoder struct {
	dir      Direction
	limits   Limits
	validate Validator

	state decodeState
	buf   []byte
	cur   *Frame
}

func NewDecoder(dir Direction, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		dir:    dir,
		limits: DefaultLimits(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.reset()
	return d
}

// Buffered returns the number of bytes held but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends p to the buffer and drains every frame and error that can
// be extracted, in wire order.
func (d *Decoder) Feed(p []byte) []Event {
	if d.dir != ClientToServer && d.dir != ServerToClient {
		return []Event{{Err: errDecoderInvalidMode}}
	}
	d.buf = append(d.buf, p...)
	var out []Event
	for {
		ev, progressed := d.step()
		if ev != nil {
			out = append(out, *ev)
		}
		if !progressed {
			break
		}
	}
	d.compact()
	return out
}

func (d *Decoder) step() (*Event, bool) {
	switch d.state {
	case stateCommand:
		return d.parseCommand()
	case stateHeaders:
		return d.parseHeaders()
	case stateBody:
		return d.parseBody()
	case stateRecover:
		return nil, d.recover()
	default:
		return nil, false
	}
}

func (d *Decoder) parseCommand() (*Event, bool) {
	line, ok, err := d.popLine()
	if err != nil {
		return d.fail(err), true
	}
	if !ok {
		return nil, false
	}
	if len(line) == 0 {
		return nil, true
	}
	raw := string(line)
	cmd, known := Lookup(d.dir, raw)
	if !known {
		return d.fail(&ParseError{Kind: ErrUnknownCommand, Line: raw}), true
	}
	d.cur.Command = cmd
	d.state = stateHeaders
	return nil, true
}

func (d *Decoder) parseHeaders() (*Event, bool) {
	for {
		line, ok, err := d.popLine()
		if err != nil {
			return d.fail(err), true
		}
		if !ok {
			return nil, false
		}
		if len(line) == 0 {
			d.state = stateBody
			return nil, true
		}
		idx := bytes.IndexByte(line, colon)
		if idx < 0 {
			return d.fail(&ParseError{Kind: ErrMissingColon, Line: string(line)}), true
		}
		d.cur.AddHeader(string(line[:idx]), string(line[idx+1:]))
	}
}

func (d *Decoder) parseBody() (*Event, bool) {
	want := d.cur.ContentLength()
	if want >= 0 {
		if d.limits.MaxBodyBytes > 0 && want > d.limits.MaxBodyBytes {
			return d.fail(&ParseError{Kind: ErrBodyTooLarge}), true
		}
		remaining := want - len(d.cur.Body)
		if remaining > 0 {
			n := remaining
			if n > len(d.buf) {
				n = len(d.buf)
			}
			d.cur.AppendBody(d.buf[:n])
			d.buf = d.buf[n:]
			if len(d.cur.Body) < want {
				return nil, false
			}
		}
		if len(d.buf) == 0 {
			return nil, false
		}
		if d.buf[0] != terminator {
			return d.fail(&ParseError{Kind: ErrMissingTerminator}), true
		}
		d.buf = d.buf[1:]
		return d.complete(), true
	}

	idx := bytes.IndexByte(d.buf, terminator)
	if idx < 0 {
		d.cur.AppendBody(d.buf)
		d.buf = d.buf[:0]
		if d.limits.MaxBodyBytes > 0 && len(d.cur.Body) > d.limits.MaxBodyBytes {
			return d.fail(&ParseError{Kind: ErrBodyTooLarge}), true
		}
		return nil, false
	}
	d.cur.AppendBody(d.buf[:idx])
	d.buf = d.buf[idx+1:]
	if d.limits.MaxBodyBytes > 0 && len(d.cur.Body) > d.limits.MaxBodyBytes {
		d.reset()
		return &Event{Err: &ParseError{Kind: ErrBodyTooLarge}}, true
	}
	return d.complete(), true
}

// recover discards input through the next NUL. It reports whether the
// terminator was found.
func (d *Decoder) recover() bool {
	idx := bytes.IndexByte(d.buf, terminator)
	if idx < 0 {
		d.buf = d.buf[:0]
		return false
	}
	d.buf = d.buf[idx+1:]
	d.state = stateCommand
	return true
}

func (d *Decoder) complete() *Event {
	f := d.cur
	d.reset()
	if d.validate != nil {
		if err := d.validate(f); err != nil {
			return &Event{Frame: f, Err: err}
		}
	}
	return &Event{Frame: f}
}

func (d *Decoder) fail(err error) *Event {
	d.cur = New(CommandInvalid)
	d.state = stateRecover
	return &Event{Err: err}
}

func (d *Decoder) reset() {
	d.cur = New(CommandInvalid)
	d.state = stateCommand
}

// popLine removes one line from the buffer without its terminator and a
// trailing carriage return. ok is false when no full line is buffered.
func (d *Decoder) popLine() (line []byte, ok bool, err error) {
	idx := bytes.IndexByte(d.buf, newline)
	if idx < 0 {
		if d.limits.MaxLineBytes > 0 && len(d.buf) > d.limits.MaxLineBytes {
			return nil, false, d.lineTooLong(d.buf)
		}
		return nil, false, nil
	}
	line = d.buf[:idx]
	if d.limits.MaxLineBytes > 0 && len(line) > d.limits.MaxLineBytes {
		d.buf = d.buf[idx+1:]
		return nil, false, d.lineTooLong(line)
	}
	d.buf = d.buf[idx+1:]
	if n := len(line); n > 0 && line[n-1] == carriage {
		line = line[:n-1]
	}
	return line, true, nil
}

// lineTooLong quotes only the first MaxLineBytes of the line so the error
// is the same however the input was chunked.
func (d *Decoder) lineTooLong(line []byte) error {
	return &ParseError{Kind: ErrLineTooLong, Line: truncate(line[:d.limits.MaxLineBytes])}
}

func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0]
		return
	}
	if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return strings.ToValidUTF8(string(b[:max]), "") + "..."
	}
	return string(b)
}
