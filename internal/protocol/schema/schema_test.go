package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/stompd/internal/protocol"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/danmuck/stompd/internal/testutil/testlog"
)

func mustTable(t *testing.T, v protocol.Version) Table {
	t.Helper()
	table, err := ForVersion(v)
	if err != nil {
		t.Fatalf("table %s: %v", v, err)
	}
	return table
}

func TestConnectedMissingSessionMessage(t *testing.T) {
	testlog.Start(t)
	d := frame.NewDecoder(frame.ServerToClient, frame.WithValidator(mustTable(t, protocol.V10).Validator()))
	events := d.Feed([]byte("CONNECTED\n\n\n\x00"))
	if len(events) != 1 || events[0].Err == nil {
		t.Fatalf("expected validation error, got %+v", events)
	}
	want := `Header "session" is required, and missing from frame: {"command":"CONNECTED","headers":{},"body":"\n"}`
	if got := events[0].Err.Error(); got != want {
		t.Fatalf("unexpected message:\n got=%s\nwant=%s", got, want)
	}
	var ve ValidationError
	if !errors.As(events[0].Err, &ve) || ve.Header != frame.HeaderSession || ve.Command != frame.Connected {
		t.Fatalf("unexpected validation error: %#v", events[0].Err)
	}
}

func TestValidateMessageRequiresDestinationThenID(t *testing.T) {
	testlog.Start(t)
	table := mustTable(t, protocol.V10)
	err := table.Validate(frame.New(frame.Message))
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Header != frame.HeaderDestination {
		t.Fatalf("expected destination first, got %v", err)
	}
	err = table.Validate(frame.New(frame.Message, frame.HeaderDestination, "/q"))
	if !errors.As(err, &ve) || ve.Header != frame.HeaderMessageID {
		t.Fatalf("expected message-id, got %v", err)
	}
	if err := table.Validate(frame.New(frame.Message, frame.HeaderDestination, "/q", frame.HeaderMessageID, "1")); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
}

func TestValidateErrorAndUnknownHeadersAccepted(t *testing.T) {
	testlog.Start(t)
	table := mustTable(t, protocol.V10)
	if err := table.Validate(frame.New(frame.Error, "x-anything", "1")); err != nil {
		t.Fatalf("ERROR should accept any headers: %v", err)
	}
	if err := table.Validate(frame.New(frame.Disconnect)); err != nil {
		t.Fatalf("DISCONNECT has no rules: %v", err)
	}
}

func TestValidateContentLengthPattern(t *testing.T) {
	testlog.Start(t)
	table := mustTable(t, protocol.V10)
	f := frame.New(frame.Send, frame.HeaderDestination, "/q", frame.HeaderContentLength, "12x")
	err := table.Validate(f)
	want := `Header "content-length" has value "12x" which does not match against the following regex: /^[0-9]+$/ (Frame: ` + f.String() + `)`
	if err == nil || err.Error() != want {
		t.Fatalf("unexpected error:\n got=%v\nwant=%s", err, want)
	}
}

func TestValidateVersion11Connected(t *testing.T) {
	testlog.Start(t)
	table := mustTable(t, protocol.V11)
	if err := table.Validate(frame.New(frame.Connected, frame.HeaderVersion, "1.1")); err != nil {
		t.Fatalf("valid CONNECTED rejected: %v", err)
	}
	var ve ValidationError
	err := table.Validate(frame.New(frame.Connected, frame.HeaderVersion, "2.0"))
	if !errors.As(err, &ve) || ve.Pattern == "" || ve.Value != "2.0" {
		t.Fatalf("expected pattern mismatch, got %v", err)
	}
	if err := table.Validate(frame.New(frame.Connect)); err == nil {
		t.Fatalf("1.1 CONNECT without host should fail")
	}
}

func TestForVersionUnsupported(t *testing.T) {
	testlog.Start(t)
	if _, err := ForVersion(protocol.Version("9.9")); !errors.Is(err, protocol.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}
