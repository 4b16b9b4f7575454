package frame

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	newline    byte = '\n'
	carriage   byte = '\r'
	colon      byte = ':'
	terminator byte = 0
)

var (
	ErrNilFrame       = errors.New("frame: nil frame")
	ErrInvalidCommand = errors.New("frame: invalid command")
)

// Encode serializes f to wire bytes. A stored content-length header is not
// copied; it is synthesized from the body when the body is non-empty.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrNilFrame
	}
	if !f.Command.Valid() {
		return nil, ErrInvalidCommand
	}
	var buf bytes.Buffer
	buf.Grow(64 + len(f.Body))
	buf.WriteString(f.Command.String())
	buf.WriteByte(newline)
	f.Header.Range(func(k, v string) bool {
		if strings.ToLower(k) == HeaderContentLength {
			return true
		}
		buf.WriteString(k)
		buf.WriteByte(colon)
		buf.WriteString(v)
		buf.WriteByte(newline)
		return true
	})
	if len(f.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(colon)
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte(newline)
	}
	buf.WriteByte(newline)
	if len(f.Body) > 0 {
		buf.Write(f.Body)
	}
	buf.WriteByte(terminator)
	return buf.Bytes(), nil
}

// WriteFrame encodes f and writes it with a single Write call so that
// concurrent writers on a shared transport never interleave partial frames.
func WriteFrame(w io.Writer, f *Frame, limits Limits) error {
	if f != nil && limits.MaxBodyBytes > 0 && len(f.Body) > limits.MaxBodyBytes {
		return ErrBodyTooLarge
	}
	b, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
