package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/danmuck/stompd/internal/testutil/testlog"
)

type recordingSubscriber struct {
	id   string
	fail error

	mu     sync.Mutex
	frames []*frame.Frame
}

func (r *recordingSubscriber) ID() string {
	return r.id
}

func (r *recordingSubscriber) Deliver(f *frame.Frame) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSubscriber) received() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.Frame(nil), r.frames...)
}

func TestPublishWithoutSubscribersIsNoSuchQueue(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	_, _, err := r.Publish(context.Background(), "/queue/none", []byte("x"), frame.Headers{})
	if !errors.Is(err, ErrNoSuchQueue) {
		t.Fatalf("expected ErrNoSuchQueue, got %v", err)
	}
	var re *RoutingError
	if !errors.As(err, &re) || re.Destination != "/queue/none" {
		t.Fatalf("expected RoutingError for destination, got %#v", err)
	}
}

func TestPublishFansOutWithIncreasingIDs(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	subs := []*recordingSubscriber{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, s := range subs {
		r.Subscribe("/queue/a", s)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		id, delivered, err := r.Publish(context.Background(), "/queue/a", []byte("body"), frame.NewHeaders("x-seq", strconv.Itoa(i)))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if delivered != len(subs) {
			t.Fatalf("delivered=%d want %d", delivered, len(subs))
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		prev, _ := strconv.Atoi(ids[i-1])
		cur, _ := strconv.Atoi(ids[i])
		if cur <= prev {
			t.Fatalf("message ids not increasing: %v", ids)
		}
	}

	var first *frame.Frame
	for _, s := range subs {
		got := s.received()
		if len(got) != 3 {
			t.Fatalf("%s received %d frames", s.id, len(got))
		}
		for i, f := range got {
			if f.Command != frame.Message || string(f.Body) != "body" {
				t.Fatalf("unexpected frame %s", f)
			}
			if f.Header.Get(frame.HeaderMessageID) != ids[i] || f.Header.Get("x-seq") != strconv.Itoa(i) {
				t.Fatalf("out of order delivery to %s: %s", s.id, f)
			}
		}
		if first == nil {
			first = got[0]
		} else if first == got[0] {
			t.Fatalf("subscribers must not share a frame instance")
		}
	}
}

func TestPublishIsolatesFailingSubscriber(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	bad := &recordingSubscriber{id: "bad", fail: ErrSlowConsumer}
	good := &recordingSubscriber{id: "good"}
	r.Subscribe("/q", bad)
	r.Subscribe("/q", good)

	_, delivered, err := r.Publish(context.Background(), "/q", []byte("x"), frame.Headers{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 1 || len(good.received()) != 1 {
		t.Fatalf("healthy subscriber should still receive: delivered=%d", delivered)
	}
}

func TestDuplicateSubscribeDeliversTwice(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	s := &recordingSubscriber{id: "dup"}
	r.Subscribe("/q", s)
	r.Subscribe("/q", s)
	if _, delivered, _ := r.Publish(context.Background(), "/q", nil, frame.Headers{}); delivered != 2 {
		t.Fatalf("expected two deliveries, got %d", delivered)
	}
	if removed := r.Unsubscribe("/q", s); removed != 2 {
		t.Fatalf("unsubscribe removed %d", removed)
	}
}

func TestRemoveSubscriberKeepsEmptyRoutes(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	gone := &recordingSubscriber{id: "gone"}
	stay := &recordingSubscriber{id: "stay"}
	r.Subscribe("/a", gone)
	r.Subscribe("/b", gone)
	r.Subscribe("/b", stay)

	if removed := r.RemoveSubscriber(gone); removed != 2 {
		t.Fatalf("removed=%d", removed)
	}
	snap := r.Snapshot()
	want := []Route{{Destination: "/a", Subscribers: 0}, {Destination: "/b", Subscribers: 1}}
	if len(snap) != len(want) || snap[0] != want[0] || snap[1] != want[1] {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, _, err := r.Publish(context.Background(), "/a", nil, frame.Headers{}); !errors.Is(err, ErrNoSuchQueue) {
		t.Fatalf("empty route should be NoSuchQueue, got %v", err)
	}
}

func TestPublishStripsRoutingHeaders(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	s := &recordingSubscriber{id: "s"}
	r.Subscribe("/q", s)
	h := frame.NewHeaders(
		frame.HeaderDestination, "/q",
		frame.HeaderReceipt, "r-1",
		frame.HeaderContentType, "text/plain",
	)
	if _, _, err := r.Publish(context.Background(), "/q", []byte("x"), h); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f := s.received()[0]
	if _, ok := f.Header.Lookup(frame.HeaderReceipt); ok {
		t.Fatalf("receipt must not be forwarded: %s", f)
	}
	if f.Header.Get(frame.HeaderContentType) != "text/plain" {
		t.Fatalf("content-type should be forwarded: %s", f)
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	testlog.Start(t)
	r := NewRouter()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &recordingSubscriber{id: strconv.Itoa(i)}
			r.Subscribe("/hot", s)
			_, _, _ = r.Publish(context.Background(), "/hot", []byte("x"), frame.Headers{})
			r.RemoveSubscriber(s)
		}(i)
	}
	wg.Wait()
	if n := r.Subscribers("/hot"); n != 0 {
		t.Fatalf("expected all subscribers removed, got %d", n)
	}
}
