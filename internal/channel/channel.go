// Package channel defines the client-side contract of a sync channel: a
// persistent, topic-scoped connection that delivers broadcast packets and
// accepts pushes acknowledged with a server-assigned version.
//
// Implementations live elsewhere: internal/authority provides an in-process
// transport and internal/wire a WebSocket one. Stores only see Transport and
// Channel.
//
// Ordering: a transport must deliver the broadcasts of one topic in the order
// the authority committed them. Nothing here re-sequences packets.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/entsync/internal/diff"
)

// EventSyncPacket is the only event exchanged by stores: broadcasts
// inbound, pushes outbound.
const EventSyncPacket = "sync_packet"

var (
	// ErrUnavailable is returned by Join when the transport cannot reach the
	// authority. Callers degrade to read-only rather than fail.
	ErrUnavailable = errors.New("channel: transport unavailable")

	// ErrHandlerRegistered is returned by On when the event already has a
	// handler. Each store registers exactly one.
	ErrHandlerRegistered = errors.New("channel: handler already registered")

	// ErrClosed is returned by Push after Leave.
	ErrClosed = errors.New("channel: closed")
)

// Packet is the payload of a sync_packet event. ID names the entity on
// collection topics and may be empty on entity topics.
type Packet struct {
	ID      string    `json:"id,omitempty"`
	Version int64     `json:"version"`
	Diff    diff.Diff `json:"diff"`
}

// Ack is the authority's acknowledgement of a push.
type Ack struct {
	Version int64 `json:"version"`
}

// Handler receives broadcast packets. It runs on the transport's delivery
// goroutine and must not block for long.
type Handler func(Packet)

// Channel is one joined topic.
type Channel interface {
	// On registers the handler for event. A second registration for the
	// same event returns ErrHandlerRegistered.
	On(event string, h Handler) error

	// Push sends a packet and blocks until the authority acknowledges it,
	// rejects it (*RejectedError), or ctx is done.
	Push(ctx context.Context, event string, p Packet) (Ack, error)

	// Leave detaches from the topic. Pending pushes fail with ErrClosed.
	Leave() error
}

// Transport joins topics.
type Transport interface {
	// Join attaches to topic. id scopes the join to one entity; an empty id
	// joins the collection. since > 0 asks the authority to replay the
	// packets committed after that version.
	Join(ctx context.Context, topic, id string, since int64) (Channel, error)
}

// RejectedError is a push acknowledged with an error status.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "channel: push rejected: " + e.Reason
}

// IsRejected reports whether err is a push rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// JoinOrNil joins topic and returns nil instead of an error when the
// transport is unavailable. The failure is logged, not returned: callers
// treat a nil channel as offline.
func JoinOrNil(ctx context.Context, t Transport, topic, id string, since int64) Channel {
	if t == nil {
		slog.Warn("sync channel unavailable", "topic", topic, "id", id, "error", ErrUnavailable)
		return nil
	}
	ch, err := t.Join(ctx, topic, id, since)
	if err != nil {
		slog.Warn("sync channel unavailable", "topic", topic, "id", id, "error", err)
		return nil
	}
	return ch
}

// Topic renders the wire name of a join: "topic:id", or "topic" for a
// collection.
func Topic(topic, id string) string {
	if id == "" {
		return topic
	}
	return fmt.Sprintf("%s:%s", topic, id)
}
