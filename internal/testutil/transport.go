package testutil

import (
	"context"
	"sync"

	"github.com/roach88/entsync/internal/channel"
)

// JoinCall is one recorded Join.
type JoinCall struct {
	Topic string
	ID    string
	Since int64
}

// ScriptedTransport hands out one ScriptedChannel per topic and id.
//
// Thread-safety: safe for concurrent use.
type ScriptedTransport struct {
	mu       sync.Mutex
	channels map[string]*ScriptedChannel
	joins    []JoinCall
	err      error
}

func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{channels: make(map[string]*ScriptedChannel)}
}

// FailJoins makes every later Join return err.
func (t *ScriptedTransport) FailJoins(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Join implements channel.Transport.
func (t *ScriptedTransport) Join(_ context.Context, topic, id string, since int64) (channel.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins = append(t.joins, JoinCall{Topic: topic, ID: id, Since: since})
	if t.err != nil {
		return nil, t.err
	}
	return t.channelLocked(topic, id), nil
}

// Channel returns the channel for topic and id, creating it if needed.
func (t *ScriptedTransport) Channel(topic, id string) *ScriptedChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelLocked(topic, id)
}

func (t *ScriptedTransport) channelLocked(topic, id string) *ScriptedChannel {
	key := channel.Topic(topic, id)
	c, ok := t.channels[key]
	if !ok {
		c = NewScriptedChannel()
		t.channels[key] = c
	}
	return c
}

// Joins returns every join, in order.
func (t *ScriptedTransport) Joins() []JoinCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JoinCall(nil), t.joins...)
}
