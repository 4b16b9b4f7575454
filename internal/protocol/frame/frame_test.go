package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/stompd/internal/testutil/testlog"
)

func TestEncodeWithoutBodyOmitsContentLength(t *testing.T) {
	testlog.Start(t)
	f := New(Disconnect)
	got, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(got) != "DISCONNECT\n\n\x00" {
		t.Fatalf("unexpected wire bytes: %q", got)
	}
}

func TestEncodeSynthesizesContentLength(t *testing.T) {
	testlog.Start(t)
	f := New(Send, HeaderDestination, "/queue/a", HeaderContentLength, "999")
	f.AppendBody([]byte("hi\x00there"))
	got, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "SEND\ndestination:/queue/a\ncontent-length:8\n\nhi\x00there\x00"
	if string(got) != want {
		t.Fatalf("unexpected wire bytes:\n got=%q\nwant=%q", got, want)
	}
}

func TestEncodeRejectsInvalidCommand(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(New(CommandInvalid)); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if _, err := Encode(nil); !errors.Is(err, ErrNilFrame) {
		t.Fatalf("expected ErrNilFrame, got %v", err)
	}
}

func TestWriteFrameSingleWrite(t *testing.T) {
	testlog.Start(t)
	w := &countingWriter{}
	f := New(Message, HeaderDestination, "/q", HeaderMessageID, "1")
	f.AppendBody([]byte("payload"))
	if err := WriteFrame(w, f, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if w.writes != 1 {
		t.Fatalf("expected one write, got %d", w.writes)
	}
}

func TestWriteFrameBodyLimit(t *testing.T) {
	testlog.Start(t)
	f := New(Send, HeaderDestination, "/q")
	f.AppendBody(bytes.Repeat([]byte("x"), 16))
	err := WriteFrame(&bytes.Buffer{}, f, Limits{MaxBodyBytes: 8})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestSetHeaderTracksContentLength(t *testing.T) {
	testlog.Start(t)
	f := New(Send)
	if f.ContentLength() != NoContentLength {
		t.Fatalf("expected no content length, got %d", f.ContentLength())
	}
	f.SetHeader("Content-Length", "12")
	if f.ContentLength() != 12 {
		t.Fatalf("expected 12, got %d", f.ContentLength())
	}
	f.SetHeader("content-length", "abc")
	if f.ContentLength() != NoContentLength {
		t.Fatalf("non-numeric content length should reset, got %d", f.ContentLength())
	}
}

func TestAddHeaderFirstWins(t *testing.T) {
	testlog.Start(t)
	f := New(Message)
	if !f.AddHeader("k", "first") {
		t.Fatalf("first add should store")
	}
	if f.AddHeader("k", "second") {
		t.Fatalf("second add should be ignored")
	}
	if got := f.Header.Get("k"); got != "first" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestStringDebugForm(t *testing.T) {
	testlog.Start(t)
	f := New(Connected)
	f.AppendBody([]byte("\n"))
	want := `{"command":"CONNECTED","headers":{},"body":"\n"}`
	if got := f.String(); got != want {
		t.Fatalf("unexpected debug form:\n got=%s\nwant=%s", got, want)
	}
}

func TestMergeHeadersPrecedence(t *testing.T) {
	testlog.Start(t)
	base := NewHeaders("id", "sub-1", HeaderDestination, "/wrong", "ack", "auto")
	over := NewHeaders("ack", "client", "x-extra", "1")
	got := MergeHeaders(base, over, "/queue/right")

	if got.Get("ack") != "client" || got.Get("id") != "sub-1" || got.Get("x-extra") != "1" {
		t.Fatalf("unexpected merge result: %v", got.Map())
	}
	keys := got.Keys()
	if keys[len(keys)-1] != HeaderDestination || got.Get(HeaderDestination) != "/queue/right" {
		t.Fatalf("destination must be forced last: %v", keys)
	}
	if base.Get("ack") != "auto" {
		t.Fatalf("merge must not mutate base")
	}
}

func TestLookupRespectsDirection(t *testing.T) {
	testlog.Start(t)
	if _, ok := Lookup(ServerToClient, "SEND"); ok {
		t.Fatalf("SEND is not a server command")
	}
	if c, ok := Lookup(ClientToServer, "SEND"); !ok || c != Send {
		t.Fatalf("expected SEND, got %v %v", c, ok)
	}
	for _, c := range ClientCommands() {
		if c.Direction() != ClientToServer {
			t.Fatalf("%s has wrong direction", c)
		}
	}
	for _, c := range ServerCommands() {
		if c.Direction() != ServerToClient {
			t.Fatalf("%s has wrong direction", c)
		}
	}
}

type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(p)
}
