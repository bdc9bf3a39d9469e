package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/entsync/internal/remote"
)

// Call is one recorded request.
type Call struct {
	Document remote.Document
	Vars     remote.Vars
}

// Responder answers one document.
type Responder func(vars remote.Vars) (json.RawMessage, error)

// RecordingClient is a remote.Client that records requests and answers
// them from per-document responders. Documents without a responder get
// an empty JSON object.
//
// Thread-safety: safe for concurrent use.
type RecordingClient struct {
	mu         sync.Mutex
	calls      []Call
	responders map[remote.Document]Responder
}

func NewRecordingClient() *RecordingClient {
	return &RecordingClient{responders: make(map[remote.Document]Responder)}
}

// On sets the responder for doc.
func (c *RecordingClient) On(doc remote.Document, r Responder) *RecordingClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[doc] = r
	return c
}

// FailOn makes doc fail with a remote error carrying msg.
func (c *RecordingClient) FailOn(doc remote.Document, msg string) *RecordingClient {
	return c.On(doc, func(remote.Vars) (json.RawMessage, error) {
		return nil, remote.Rejectf(doc, "%s", msg)
	})
}

// Request implements remote.Client.
func (c *RecordingClient) Request(_ context.Context, doc remote.Document, vars remote.Vars) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Document: doc, Vars: vars})
	r := c.responders[doc]
	c.mu.Unlock()

	if r == nil {
		return json.RawMessage(`{}`), nil
	}
	return r(vars)
}

// Calls returns every request, in order.
func (c *RecordingClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Documents returns the document of every request, in order.
func (c *RecordingClient) Documents() []remote.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]remote.Document, len(c.calls))
	for i, call := range c.calls {
		out[i] = call.Document
	}
	return out
}

// Reset forgets recorded calls.
func (c *RecordingClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// JSON marshals v or panics; for building canned responses.
func JSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil.JSON: %v", err))
	}
	return data
}
