package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/queue"
)

// JoinError is a join the server answered with an error reply.
type JoinError struct {
	Topic  string
	Reason string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("wire: join %s refused: %s", e.Topic, e.Reason)
}

// ClientOption configures Dial.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on the handshake.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithSettings overrides DefaultSettings.
func WithSettings(s Settings) ClientOption {
	return func(c *Client) { c.settings = s }
}

// WithRefs sets the generator for frame refs.
func WithRefs(g channel.IDGenerator) ClientOption {
	return func(c *Client) { c.refs = g }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Client is one WebSocket connection to a Server. It implements
// channel.Transport; every joined topic shares the connection.
//
// Thread-safety: safe for concurrent use. One goroutine reads, one writes.
type Client struct {
	url      string
	token    string
	settings Settings
	refs     channel.IDGenerator
	logger   *slog.Logger

	conn   *websocket.Conn
	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan Reply
	topics  map[string]*clientChannel
	err     error
	done    chan struct{}
}

// Dial connects to a Server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:      url,
		settings: DefaultSettings(),
		refs:     channel.UUIDv7Generator{},
		logger:   slog.Default(),
		pending:  make(map[string]chan Reply),
		topics:   make(map[string]*clientChannel),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.settings.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s", channel.ErrUnavailable, url, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", channel.ErrUnavailable, url, err)
	}

	c.conn = conn
	c.send = make(chan Frame, c.settings.SendBuffer)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.settings.WriteTimeout))
	})

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	c.logger.Info("connected", "url", url)
	return c, nil
}

// Err returns the error that closed the connection, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection fails or is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Join implements channel.Transport.
func (c *Client) Join(ctx context.Context, topic, id string, since int64) (channel.Channel, error) {
	key := channel.Topic(topic, id)
	ch := &clientChannel{
		client: c,
		topic:  key,
		queue:  queue.New[channel.Packet](),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", channel.ErrUnavailable, err)
	}
	if _, ok := c.topics[key]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("wire: already joined %s", key)
	}
	// Registered before the join frame leaves so replayed packets, which
	// may arrive ahead of the reply, are not lost.
	c.topics[key] = ch
	c.mu.Unlock()

	reply, err := c.request(ctx, key, EventJoin, JoinPayload{Kind: topic, ID: id, Since: since})
	if err == nil && reply.Status != StatusOK {
		err = &JoinError{Topic: key, Reason: reply.Reason}
	}
	if err != nil {
		c.mu.Lock()
		delete(c.topics, key)
		c.mu.Unlock()
		ch.stop()
		return nil, err
	}

	c.wg.Add(1)
	go ch.run()
	c.logger.Debug("joined", "topic", key, "since", since)
	return ch, nil
}

// request sends a frame and waits for its reply.
func (c *Client) request(ctx context.Context, topic, event string, payload any) (Reply, error) {
	ref := c.refs.Generate()
	f, err := newFrame(ref, topic, event, payload)
	if err != nil {
		return Reply{}, err
	}

	wait := make(chan Reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Reply{}, fmt.Errorf("%w: %v", channel.ErrUnavailable, err)
	}
	c.pending[ref] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	select {
	case c.send <- f:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-c.ctx.Done():
		return Reply{}, channel.ErrUnavailable
	}

	select {
	case r := <-wait:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-c.ctx.Done():
		return Reply{}, fmt.Errorf("%w: connection lost awaiting %s reply", channel.ErrUnavailable, event)
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.cancel()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}

		switch f.Event {
		case EventReply:
			var r Reply
			if err := json.Unmarshal(f.Payload, &r); err != nil {
				c.logger.Warn("bad reply dropped", "topic", f.Topic, "error", err)
				continue
			}
			c.mu.Lock()
			wait := c.pending[f.Ref]
			c.mu.Unlock()
			if wait != nil {
				select {
				case wait <- r:
				default:
				}
			}
		case channel.EventSyncPacket:
			p, err := decodePacket(f)
			if err != nil {
				c.logger.Warn("bad packet dropped", "error", err)
				continue
			}
			c.mu.Lock()
			ch := c.topics[f.Topic]
			c.mu.Unlock()
			if ch == nil {
				c.logger.Debug("packet for unjoined topic dropped", "topic", f.Topic)
				continue
			}
			ch.queue.Enqueue(p)
		default:
			c.logger.Debug("unknown event ignored", "event", f.Event, "topic", f.Topic)
		}
	}
}

// fail records the first connection error and detaches every channel.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	topics := c.topics
	c.topics = make(map[string]*clientChannel)
	close(c.done)
	c.mu.Unlock()

	if !errors.Is(err, errClientClosed) {
		c.logger.Warn("connection lost", "url", c.url, "error", err)
	}
	for _, ch := range topics {
		ch.stop()
	}
}

// Close leaves every topic and closes the connection.
func (c *Client) Close() error {
	c.fail(errClientClosed)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.settings.WriteTimeout))
	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

var errClientClosed = errors.New("wire: client closed")

// clientChannel is one joined topic on a Client.
type clientChannel struct {
	client *Client
	topic  string
	queue  *queue.Queue[channel.Packet]

	mu      sync.Mutex
	handler channel.Handler
	ready   chan struct{}
	done    chan struct{}
	left    bool
	once    sync.Once
}

func (ch *clientChannel) On(event string, h channel.Handler) error {
	if event != channel.EventSyncPacket {
		return fmt.Errorf("wire: unsupported event %q", event)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.handler != nil {
		return channel.ErrHandlerRegistered
	}
	ch.handler = h
	close(ch.ready)
	return nil
}

func (ch *clientChannel) Push(ctx context.Context, event string, p channel.Packet) (channel.Ack, error) {
	if ch.isLeft() {
		return channel.Ack{}, channel.ErrClosed
	}
	reply, err := ch.client.request(ctx, ch.topic, event, p)
	if err != nil {
		return channel.Ack{}, err
	}
	if reply.Status != StatusOK {
		return channel.Ack{}, &channel.RejectedError{Reason: reply.Reason}
	}
	var ack channel.Ack
	if err := json.Unmarshal(reply.Response, &ack); err != nil {
		return channel.Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// Leave sends phx_leave without waiting for the reply.
func (ch *clientChannel) Leave() error {
	if ch.isLeft() {
		return nil
	}
	c := ch.client
	c.mu.Lock()
	if c.topics[ch.topic] == ch {
		delete(c.topics, ch.topic)
	}
	c.mu.Unlock()
	ch.stop()

	f, err := newFrame(c.refs.Generate(), ch.topic, EventLeave, nil)
	if err != nil {
		return err
	}
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	}
	return nil
}

func (ch *clientChannel) stop() {
	ch.once.Do(func() {
		ch.mu.Lock()
		ch.left = true
		ch.mu.Unlock()
		ch.queue.Close()
		close(ch.done)
	})
}

func (ch *clientChannel) isLeft() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.left
}

// run delivers packets in arrival order once a handler is registered.
func (ch *clientChannel) run() {
	defer ch.client.wg.Done()

	select {
	case <-ch.ready:
	case <-ch.done:
		return
	}
	ch.mu.Lock()
	h := ch.handler
	ch.mu.Unlock()

	for {
		p, err := ch.queue.Dequeue(context.Background())
		if err != nil || ch.isLeft() {
			return
		}
		h(p)
	}
}

var _ channel.Transport = (*Client)(nil)
