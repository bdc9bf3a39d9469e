package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/queue"
	"github.com/roach88/entsync/internal/record"
)

// Transport returns the authority as a channel.Transport.
func (a *Authority) Transport() channel.Transport {
	return transport{a}
}

type transport struct{ a *Authority }

func (t transport) Join(ctx context.Context, topic, id string, since int64) (channel.Channel, error) {
	sub, err := t.a.Join(ctx, topic, id, since)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Join attaches a subscriber to topic (an entity kind), scoped to one entity
// when id is set. For an entity join with since > 0, the packets committed
// after since are queued ahead of any live broadcast.
func (a *Authority) Join(ctx context.Context, topic, id string, since int64) (*Subscriber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	sub := &subscriber{
		id:     a.ids.Generate(),
		kind:   topic,
		entity: id,
		key:    channel.Topic(topic, id),
		a:      a,
		queue:  queue.New[channel.Packet](),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	if id != "" && since > 0 {
		missed, err := a.store.PacketsSince(ctx, topic, id, since)
		if err != nil {
			return nil, fmt.Errorf("join %s: replay: %w", sub.key, err)
		}
		for _, p := range missed {
			sub.queue.Enqueue(channel.Packet{ID: p.EntityID, Version: p.Version, Diff: p.Diff})
		}
		if len(missed) > 0 {
			a.logger.Debug("replaying missed packets", "topic", sub.key, "since", since, "count", len(missed))
		}
	}

	set, ok := a.subs[sub.key]
	if !ok {
		set = make(map[*subscriber]struct{})
		a.subs[sub.key] = set
	}
	set[sub] = struct{}{}
	a.metrics.Subscribers(sub.key, 1)

	a.wg.Add(1)
	go sub.run()

	a.logger.Info("subscriber joined", "topic", sub.key, "subscriber", sub.id, "since", since)
	return &Subscriber{sub}, nil
}

func (a *Authority) leave(sub *subscriber) {
	a.mu.Lock()
	set := a.subs[sub.key]
	_, ok := set[sub]
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(a.subs, sub.key)
		}
		a.metrics.Subscribers(sub.key, -1)
	}
	a.mu.Unlock()

	if ok {
		a.logger.Info("subscriber left", "topic", sub.key, "subscriber", sub.id)
	}
	sub.stop()
}

// push commits a packet sent by sub.
func (a *Authority) push(ctx context.Context, sub *subscriber, p channel.Packet) (channel.Ack, error) {
	id := sub.entity
	if id == "" {
		id = p.ID
	}
	if id == "" {
		return channel.Ack{}, &channel.RejectedError{Reason: "packet has no entity id"}
	}
	if p.ID != "" && p.ID != id {
		return channel.Ack{}, &channel.RejectedError{Reason: fmt.Sprintf("packet for %q pushed on %s", p.ID, sub.key)}
	}
	if err := a.validatePush(p.Diff); err != nil {
		return channel.Ack{}, err
	}

	committed, err := a.commit(ctx, sub.kind, id, OriginPush+":"+sub.id, sub, func(cur record.Snapshot) (diff.Diff, error) {
		if len(cur.Value) == 0 {
			return nil, &channel.RejectedError{Reason: fmt.Sprintf("unknown %s %q", sub.kind, id)}
		}
		if _, err := diff.ApplyObject(cur.Value, p.Diff); err != nil {
			return nil, &channel.RejectedError{Reason: err.Error()}
		}
		return p.Diff, nil
	})
	if err != nil {
		if channel.IsRejected(err) || errors.Is(err, ErrClosed) {
			a.logger.Warn("push rejected", "topic", sub.key, "entity", id, "error", err)
			return channel.Ack{}, err
		}
		a.logger.Error("push failed", "topic", sub.key, "entity", id, "error", err)
		return channel.Ack{}, fmt.Errorf("push %s: %w", id, err)
	}
	return channel.Ack{Version: committed.Version}, nil
}

// Subscriber is one joined channel. It implements channel.Channel.
type Subscriber struct {
	*subscriber
}

// ID returns the subscriber id recorded as the origin of its pushes.
func (s *Subscriber) ID() string { return s.id }

type subscriber struct {
	id     string
	kind   string
	entity string
	key    string
	a      *Authority
	queue  *queue.Queue[channel.Packet]

	mu      sync.Mutex
	handler channel.Handler
	ready   chan struct{} // closed once a handler is registered
	done    chan struct{} // closed by stop
	left    bool
	once    sync.Once
}

// On implements channel.Channel.
func (s *subscriber) On(event string, h channel.Handler) error {
	if event != channel.EventSyncPacket {
		return fmt.Errorf("authority: unsupported event %q", event)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return channel.ErrHandlerRegistered
	}
	s.handler = h
	close(s.ready)
	return nil
}

// Push implements channel.Channel.
func (s *subscriber) Push(ctx context.Context, event string, p channel.Packet) (channel.Ack, error) {
	if event != channel.EventSyncPacket {
		return channel.Ack{}, fmt.Errorf("authority: unsupported event %q", event)
	}
	s.mu.Lock()
	left := s.left
	s.mu.Unlock()
	if left {
		return channel.Ack{}, channel.ErrClosed
	}
	return s.a.push(ctx, s, p)
}

// Leave implements channel.Channel.
func (s *subscriber) Leave() error {
	s.a.leave(s)
	return nil
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.left = true
		s.mu.Unlock()
		s.queue.Close()
		close(s.done)
	})
}

// run delivers queued packets to the handler, one at a time. Packets
// queued before On are held until a handler exists.
func (s *subscriber) run() {
	defer s.a.wg.Done()

	select {
	case <-s.ready:
	case <-s.done:
		return
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	for {
		p, err := s.queue.Dequeue(context.Background())
		if err != nil {
			return
		}
		if s.isLeft() {
			return
		}
		h(p)
	}
}

func (s *subscriber) isLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

var _ channel.Channel = (*Subscriber)(nil)
