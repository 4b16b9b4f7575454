package wsconn

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/stompd/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

func dialPair(t *testing.T, serve func(*Conn)) *Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(New(ws))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := New(ws)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEchoAcrossMessages(t *testing.T) {
	testlog.Start(t)
	client := dialPair(t, func(c *Conn) {
		defer c.Close()
		buf := make([]byte, 64)
		for {
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			if _, err := c.Write(buf[:n]); err != nil {
				return
			}
		}
	})

	msgs := [][]byte{[]byte("SEND\n\nhello\x00"), {0xff, 0xfe, 0x00}}
	for _, m := range msgs {
		if _, err := client.Write(m); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := make([]byte, len(m))
		if _, err := io.ReadFull(client, got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, m) {
			t.Fatalf("echo mismatch: got=%q want=%q", got, m)
		}
	}
}

func TestNormalCloseReadsAsEOF(t *testing.T) {
	testlog.Start(t)
	client := dialPair(t, func(c *Conn) {
		_ = c.Close()
	})
	buf := make([]byte, 8)
	if _, err := client.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
