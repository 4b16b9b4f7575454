package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/danmuck/stompd/internal/observability"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNoSuchQueue = errors.New("No such queue")

// RoutingError reports a publish that found no subscribers.
type RoutingError struct {
	Destination string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNoSuchQueue, e.Destination)
}

func (e *RoutingError) Unwrap() error {
	return ErrNoSuchQueue
}

// Subscriber receives routed MESSAGE frames. Deliver must not block; the
// router calls it while holding its lock.
type Subscriber interface {
	ID() string
	Deliver(f *frame.Frame) error
}

// Route is one destination in a router snapshot.
type Route struct {
	Destination string `json:"destination"`
	Subscribers int    `json:"subscribers"`
}

// Router maps destinations to ordered subscriber lists and assigns message
// ids. It is safe for concurrent use.
type Router struct {
	mu     sync.Mutex
	routes map[string][]Subscriber
	nextID uint64
	tracer trace.Tracer
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string][]Subscriber),
		tracer: observability.Tracer(),
	}
}

// Subscribe appends sub to the destination's list. Repeated calls append
// repeated entries.
func (r *Router) Subscribe(destination string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[destination] = append(r.routes[destination], sub)
	log.Debug().
		Str("destination", destination).
		Str("session", sub.ID()).
		Int("subscribers", len(r.routes[destination])).
		Msg("broker.Router.Subscribe")
}

// Unsubscribe removes every entry of sub from destination and returns the
// number removed. The route entry itself is kept.
func (r *Router) Unsubscribe(destination string, sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.routes[destination]
	if !ok {
		return 0
	}
	kept, removed := without(subs, sub)
	r.routes[destination] = kept
	log.Debug().
		Str("destination", destination).
		Str("session", sub.ID()).
		Int("removed", removed).
		Msg("broker.Router.Unsubscribe")
	return removed
}

// RemoveSubscriber drops sub from every destination. It is the session
// teardown hook; empty route entries are kept.
func (r *Router) RemoveSubscriber(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for dest, subs := range r.routes {
		kept, removed := without(subs, sub)
		if removed > 0 {
			r.routes[dest] = kept
			total += removed
		}
	}
	if total > 0 {
		log.Debug().Str("session", sub.ID()).Int("removed", total).Msg("broker.Router.RemoveSubscriber")
	}
	return total
}

// Publish allocates the next message id and hands every subscriber of
// destination its own MESSAGE frame. A failed delivery is logged and does
// not stop the fan-out. Publishing to a destination without subscribers
// returns a *RoutingError and allocates no id.
func (r *Router) Publish(ctx context.Context, destination string, body []byte, headers frame.Headers) (string, int, error) {
	_, span := r.tracer.Start(ctx, "broker.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("stomp.destination", destination)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.routes[destination]
	if len(subs) == 0 {
		err := &RoutingError{Destination: destination}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordPublishError("no_such_queue")
		return "", 0, err
	}

	r.nextID++
	id := strconv.FormatUint(r.nextID, 10)
	msg := frame.New(frame.Message)
	headers.Range(func(k, v string) bool {
		if !forwarded(k) {
			return true
		}
		msg.SetHeader(k, v)
		return true
	})
	msg.SetHeader(frame.HeaderDestination, destination)
	msg.SetHeader(frame.HeaderMessageID, id)
	msg.AppendBody(body)

	delivered := 0
	for _, sub := range subs {
		if err := sub.Deliver(msg.Clone()); err != nil {
			log.Warn().
				Err(err).
				Str("destination", destination).
				Str("session", sub.ID()).
				Str("message_id", id).
				Msg("broker.Router.Publish delivery failed")
			continue
		}
		delivered++
	}

	span.SetAttributes(
		attribute.String("stomp.message_id", id),
		attribute.Int("stomp.subscribers", len(subs)),
		attribute.Int("stomp.delivered", delivered),
	)
	span.SetStatus(codes.Ok, "")
	observability.RecordPublish(delivered)
	return id, delivered, nil
}

// Snapshot lists every known destination, sorted by name.
func (r *Router) Snapshot() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Route, 0, len(r.routes))
	for dest, subs := range r.routes {
		out = append(out, Route{Destination: dest, Subscribers: len(subs)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Destination < out[j].Destination
	})
	return out
}

// Subscribers returns the number of entries for destination.
func (r *Router) Subscribers(destination string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes[destination])
}

func without(subs []Subscriber, sub Subscriber) ([]Subscriber, int) {
	kept := make([]Subscriber, 0, len(subs))
	removed := 0
	for _, s := range subs {
		if s == sub {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	return kept, removed
}

// forwarded reports whether a SEND header is copied onto MESSAGE frames.
func forwarded(key string) bool {
	switch key {
	case frame.HeaderDestination,
		frame.HeaderContentLength,
		frame.HeaderMessageID,
		frame.HeaderReceipt,
		frame.HeaderTransaction:
		return false
	default:
		return true
	}
}
