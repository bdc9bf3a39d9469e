// Package testutil provides fakes for store and mutator tests: a sync
// channel whose pushes are answered by the test, and a remote client that
// records every request.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roach88/entsync/internal/channel"
)

// DefaultWait bounds how long helpers wait for asynchronous events.
const DefaultWait = 2 * time.Second

// PushCall is one push waiting for the test to answer it.
type PushCall struct {
	Event  string
	Packet channel.Packet
	reply  chan pushReply
}

type pushReply struct {
	ack channel.Ack
	err error
}

// Ack answers the push with version.
func (c PushCall) Ack(version int64) {
	c.reply <- pushReply{ack: channel.Ack{Version: version}}
}

// Reject answers the push with an error status.
func (c PushCall) Reject(reason string) {
	c.reply <- pushReply{err: &channel.RejectedError{Reason: reason}}
}

// Fail answers the push with a transport error.
func (c PushCall) Fail(err error) {
	c.reply <- pushReply{err: err}
}

// ScriptedChannel is a channel.Channel driven by the test.
//
// Pushes block until the test answers them through NextPush, unless
// AutoAck is on. Broadcast calls the registered handler synchronously.
//
// Thread-safety: safe for concurrent use.
type ScriptedChannel struct {
	mu       sync.Mutex
	handlers map[string]channel.Handler
	pushes   chan PushCall
	auto     bool
	next     int64
	left     bool
	joins    []int64
	sent     []channel.Packet
}

// NewScriptedChannel creates a channel with no handlers.
func NewScriptedChannel() *ScriptedChannel {
	return &ScriptedChannel{
		handlers: make(map[string]channel.Handler),
		pushes:   make(chan PushCall, 64),
	}
}

// Joiner returns a join function that hands out c and records since.
// It matches entity.Joiner.
func (c *ScriptedChannel) Joiner() func(ctx context.Context, since int64) (channel.Channel, error) {
	return func(_ context.Context, since int64) (channel.Channel, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.joins = append(c.joins, since)
		return c, nil
	}
}

// Joins returns the since argument of every join, in order.
func (c *ScriptedChannel) Joins() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.joins...)
}

// AutoAck acknowledges every later push with consecutive versions starting
// at first.
func (c *ScriptedChannel) AutoAck(first int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = true
	c.next = first
}

// On implements channel.Channel.
func (c *ScriptedChannel) On(event string, h channel.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[event]; ok {
		return channel.ErrHandlerRegistered
	}
	c.handlers[event] = h
	return nil
}

// Push implements channel.Channel.
func (c *ScriptedChannel) Push(ctx context.Context, event string, p channel.Packet) (channel.Ack, error) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return channel.Ack{}, channel.ErrClosed
	}
	c.sent = append(c.sent, p)
	if c.auto {
		v := c.next
		c.next++
		c.mu.Unlock()
		return channel.Ack{Version: v}, nil
	}
	c.mu.Unlock()

	call := PushCall{Event: event, Packet: p, reply: make(chan pushReply, 1)}
	select {
	case c.pushes <- call:
	case <-ctx.Done():
		return channel.Ack{}, ctx.Err()
	}
	select {
	case r := <-call.reply:
		return r.ack, r.err
	case <-ctx.Done():
		return channel.Ack{}, ctx.Err()
	}
}

// Leave implements channel.Channel.
func (c *ScriptedChannel) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
	return nil
}

// Left reports whether Leave was called.
func (c *ScriptedChannel) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// Sent returns every pushed packet, in order.
func (c *ScriptedChannel) Sent() []channel.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Packet(nil), c.sent...)
}

// NextPush waits for the next unanswered push.
func (c *ScriptedChannel) NextPush(t testing.TB) PushCall {
	t.Helper()
	select {
	case call := <-c.pushes:
		return call
	case <-time.After(DefaultWait):
		t.Fatal("no push within timeout")
		return PushCall{}
	}
}

// NoPush asserts that nothing is pushed within d.
func (c *ScriptedChannel) NoPush(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case call := <-c.pushes:
		t.Fatalf("unexpected push: %+v", call.Packet)
	case <-time.After(d):
	}
}

// Broadcast delivers p to the sync_packet handler.
func (c *ScriptedChannel) Broadcast(p channel.Packet) {
	c.mu.Lock()
	h := c.handlers[channel.EventSyncPacket]
	c.mu.Unlock()
	if h != nil {
		h(p)
	}
}

// FailingJoiner returns a join function that always fails with err.
func FailingJoiner(err error) func(ctx context.Context, since int64) (channel.Channel, error) {
	return func(context.Context, int64) (channel.Channel, error) {
		return nil, err
	}
}
