// Package wire carries sync channels over a WebSocket.
//
// Every message is a JSON text frame {ref, topic, event, payload}. A client
// joins with phx_join, pushes sync_packet frames and receives a phx_reply
// carrying the same ref for each. The server sends sync_packet frames with no
// ref for broadcasts. One connection multiplexes any number of topics; the
// wire topic is channel.Topic(kind, id).
//
// Client implements channel.Transport. Server bridges connections onto any
// other channel.Transport, normally the authority's.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/entsync/internal/channel"
)

// Frame events. sync_packet is channel.EventSyncPacket.
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventLeave     = "phx_leave"
	EventHeartbeat = "heartbeat"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is one WebSocket message.
type Frame struct {
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of phx_join.
type JoinPayload struct {
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
	Since int64  `json:"since,omitempty"`
}

// Reply is the payload of phx_reply.
type Reply struct {
	Status   string          `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

func newFrame(ref, topic, event string, payload any) (Frame, error) {
	f := Frame{Ref: ref, Topic: topic, Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Payload = data
	}
	return f, nil
}

func okReply(f Frame, response any) (Frame, error) {
	r := Reply{Status: StatusOK}
	if response != nil {
		data, err := json.Marshal(response)
		if err != nil {
			return Frame{}, err
		}
		r.Response = data
	}
	return newFrame(f.Ref, f.Topic, EventReply, r)
}

func errorReply(f Frame, reason string) Frame {
	reply, _ := newFrame(f.Ref, f.Topic, EventReply, Reply{Status: StatusError, Reason: reason})
	return reply
}

func decodePacket(f Frame) (channel.Packet, error) {
	var p channel.Packet
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return channel.Packet{}, fmt.Errorf("decode %s on %s: %w", f.Event, f.Topic, err)
	}
	return p, nil
}

// Settings are the connection timeouts shared by client and server.
type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	SendBuffer       int
}

// DefaultSettings returns the timeouts used when none are given.
// PingInterval must stay well below ReadTimeout.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		SendBuffer:       256,
	}
}
