// Package relay is a Transport that talks to the tandem relay server over a
// websocket.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/protocol"
	"github.com/manpreetbhatti/tandem/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 256
)

type Options struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Header http.Header
	Logger zerolog.Logger

	// MaxReconnectInterval caps the wait between reconnect attempts.
	MaxReconnectInterval time.Duration
}

// Client is safe for concurrent use. Handlers run on the read goroutine.
type Client struct {
	opts      Options
	dialer    *websocket.Dialer
	logger    zerolog.Logger
	listeners transport.Listeners

	mu     sync.Mutex
	conn   *connection
	subs   map[string]map[*subscription]struct{}
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

func New(opts Options) *Client {
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = 30 * time.Second
	}
	return &Client{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		logger: opts.Logger.With().Str("component", "relay").Str("url", opts.URL).Logger(),
		subs:   make(map[string]map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = c.opts.MaxReconnectInterval
	b.MaxElapsedTime = 0
	return b
}

// Connect dials until the relay accepts or ctx is done, then keeps the
// connection alive in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &transport.Error{Op: "connect", Err: transport.ErrClosed}
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return &transport.Error{Op: "connect", Err: err}
	}
	if !c.attach(conn) {
		conn.ws.Close()
		return &transport.Error{Op: "connect", Err: transport.ErrClosed}
	}

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*connection, error) {
	b := c.newBackOff()
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err == nil {
			return newConnection(ws), nil
		}
		wait := b.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("relay dial failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.done:
			timer.Stop()
			return nil, transport.ErrClosed
		case <-timer.C:
		}
	}
}

// attach installs conn, replays subscriptions and announces the state.
func (c *Client) attach(conn *connection) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	go conn.writePump()
	for _, topic := range topics {
		conn.enqueue(context.Background(), protocol.RelayFrame{Op: protocol.RelayOpSubscribe, Topic: topic})
	}

	c.logger.Info().Int("topics", len(topics)).Msg("relay connected")
	c.listeners.Emit(transport.Connected)
	return true
}

// run owns the connection lifecycle: read until the socket dies, then
// reconnect with backoff until Close.
func (c *Client) run(conn *connection) {
	defer c.wg.Done()
	for {
		err := c.readPump(conn)
		conn.shutdown()

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.logger.Warn().Err(err).Msg("relay connection lost")
		c.listeners.Emit(transport.Disconnected)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		next, err := c.dialWithRetry(ctx)
		cancel()
		if err != nil {
			return
		}
		if !c.attach(next) {
			next.ws.Close()
			return
		}
		conn = next
	}
}

func (c *Client) readPump(conn *connection) error {
	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.ParseRelayFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping relay frame")
			continue
		}
		if frame.Op != protocol.RelayOpMessage {
			continue
		}
		for _, h := range c.handlers(frame.Topic) {
			h(frame.Payload)
		}
	}
}

func (c *Client) handlers(topic string) []transport.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Handler, 0, len(c.subs[topic]))
	for s := range c.subs[topic] {
		out = append(out, s.handler)
	}
	return out
}

func (c *Client) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &transport.Error{Op: "subscribe", Topic: topic, Err: transport.ErrClosed}
	}
	s := &subscription{client: c, topic: topic, handler: h}
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[*subscription]struct{})
	}
	c.subs[topic][s] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		if err := conn.enqueue(context.Background(), protocol.RelayFrame{Op: protocol.RelayOpSubscribe, Topic: topic}); err != nil {
			// Replayed by attach after the next reconnect.
			c.logger.Debug().Err(err).Str("topic", topic).Msg("subscribe deferred")
		}
	}
	return s, nil
}

func (c *Client) unsubscribe(s *subscription) error {
	c.mu.Lock()
	set, ok := c.subs[s.topic]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(c.subs, s.topic)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := conn.enqueue(context.Background(), protocol.RelayFrame{Op: protocol.RelayOpUnsubscribe, Topic: s.topic}); err != nil {
			return &transport.Error{Op: "unsubscribe", Topic: s.topic, Err: err}
		}
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	closed, conn := c.closed, c.conn
	c.mu.Unlock()
	if closed {
		return &transport.Error{Op: "publish", Topic: topic, Err: transport.ErrClosed}
	}
	if conn == nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: transport.ErrNotConnected}
	}
	if err := conn.enqueue(ctx, protocol.RelayFrame{Op: protocol.RelayOpPublish, Topic: topic, Payload: payload}); err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

func (c *Client) OnStateChange(fn func(transport.State)) func() {
	return c.listeners.Add(fn)
}

// Close stops reconnecting and closes the socket. It waits for the
// background goroutine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.ws.Close()
	}
	c.wg.Wait()
	if conn != nil {
		c.listeners.Emit(transport.Disconnected)
	}
	return nil
}

// connection is one websocket plus its writer goroutine.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	dead chan struct{}
	once sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		dead: make(chan struct{}),
	}
}

func (c *connection) enqueue(ctx context.Context, f protocol.RelayFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.dead:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.dead)
		c.ws.Close()
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.dead:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type subscription struct {
	client  *Client
	topic   string
	handler transport.Handler
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error { return s.client.unsubscribe(s) }
