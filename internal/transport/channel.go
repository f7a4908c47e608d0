// Package transport is the persistent publish/subscribe channel to the
// server: STOMP frames over a websocket, with automatic reconnect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"
	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/bus"
	"github.com/matheus3301/todosync/internal/status"
	"go.uber.org/zap"
)

// ErrNotConnected is the cause of publish failures while the channel is down.
var ErrNotConnected = errors.New("channel not connected")

// Handler receives the body of one inbound frame.
type Handler func(body []byte)

// Options configures a Channel.
type Options struct {
	Dial Dialer
	// Token supplies the bearer token sent in the CONNECT frame. An
	// Unauthorized error stops reconnecting.
	Token          func() (string, error)
	Host           string
	ReconnectDelay time.Duration
	HeartBeat      time.Duration
	ConnectTimeout time.Duration
}

type topic struct {
	name     string
	handlers map[int]Handler
	next     int
	sub      *stomp.Subscription
	// deliver serializes handler calls across subscription generations so
	// frames of one topic are never handled concurrently.
	deliver sync.Mutex
}

// Channel is the persistent channel. Subscriptions survive reconnects.
type Channel struct {
	opts   Options
	status *status.Machine
	bus    *bus.Bus
	log    *zap.Logger

	mu      sync.Mutex
	conn    *stomp.Conn
	topics  map[string]*topic
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an idle channel.
func New(opts Options, sm *status.Machine, b *bus.Bus, log *zap.Logger) *Channel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Host == "" {
		opts.Host = "/"
	}
	return &Channel{
		opts:   opts,
		status: sm,
		bus:    b,
		log:    log,
		topics: make(map[string]*topic),
	}
}

// Start connects in the background and keeps the channel up until Stop or
// until the session turns out to be unauthorized. Starting a running channel
// is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop disconnects and waits for the connection loop to exit.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether frames can currently be published.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) transition(to status.State) {
	if err := c.status.Transition(to); err != nil {
		c.log.Debug("connection state unchanged", zap.Error(err))
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		var (
			conn *stomp.Conn
			drop <-chan struct{}
		)
		policy := backoff.WithContext(backoff.NewConstantBackOff(c.opts.ReconnectDelay), ctx)
		err := backoff.RetryNotify(func() error {
			c.transition(status.Connecting)
			var err error
			conn, drop, err = c.connect(ctx)
			if apperr.KindOf(err) == apperr.KindUnauthorized {
				return backoff.Permanent(err)
			}
			return err
		}, policy, func(err error, wait time.Duration) {
			c.log.Warn("channel connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			c.transition(status.Reconnecting)
		})
		if ctx.Err() != nil {
			c.transition(status.Stopped)
			return
		}
		if err != nil {
			c.log.Error("channel unauthorized, not reconnecting", zap.Error(err))
			c.transition(status.Unauthorized)
			return
		}

		n := c.attach(conn)
		c.transition(status.Connected)
		c.log.Info("channel connected", zap.Int("topics", n))
		c.bus.Emit(bus.KindTransportConnected, nil)

		select {
		case <-ctx.Done():
			c.detach()
			c.disconnect(conn)
			c.transition(status.Stopped)
			return
		case <-drop:
		}

		c.detach()
		c.transition(status.Reconnecting)
		c.log.Warn("channel dropped", zap.Duration("retry_in", c.opts.ReconnectDelay))
		c.bus.Emit(bus.KindTransportDisconnected, nil)

		select {
		case <-ctx.Done():
			c.transition(status.Stopped)
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// disconnect says goodbye to the server but does not wait long for its
// receipt.
func (c *Channel) disconnect(conn *stomp.Conn) {
	result := make(chan error, 1)
	go func() { result <- conn.Disconnect() }()
	select {
	case err := <-result:
		if err != nil {
			c.log.Debug("disconnect", zap.Error(err))
		}
	case <-time.After(time.Second):
		c.log.Debug("disconnect receipt timed out")
	}
}

// watched reports the first read failure or close of the underlying stream.
type watched struct {
	io.ReadWriteCloser
	once sync.Once
	done chan struct{}
}

func (w *watched) signal() { w.once.Do(func() { close(w.done) }) }

func (w *watched) Read(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Read(p)
	if err != nil {
		w.signal()
	}
	return n, err
}

func (w *watched) Close() error {
	w.signal()
	return w.ReadWriteCloser.Close()
}

func (c *Channel) connect(ctx context.Context) (*stomp.Conn, <-chan struct{}, error) {
	opts := []func(*stomp.Conn) error{stomp.ConnOpt.Host(c.opts.Host)}
	if c.opts.Token != nil {
		token, err := c.opts.Token()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}
	if c.opts.HeartBeat > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeat(c.opts.HeartBeat, c.opts.HeartBeat))
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	rwc, err := c.opts.Dial(dctx)
	if err != nil {
		return nil, nil, err
	}
	w := &watched{ReadWriteCloser: rwc, done: make(chan struct{})}
	// stomp.Connect has no context; closing the stream unblocks it.
	stop := context.AfterFunc(dctx, func() { _ = w.Close() })
	conn, err := stomp.Connect(w, opts...)
	if !stop() || err != nil {
		_ = w.Close()
		if err == nil {
			err = dctx.Err()
		}
		return nil, nil, err
	}
	return conn, w.done, nil
}

// attach installs a fresh connection and subscribes every live topic on it.
func (c *Channel) attach(conn *stomp.Conn) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	for _, t := range c.topics {
		c.subscribeLocked(t)
	}
	return len(c.topics)
}

func (c *Channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	for _, t := range c.topics {
		t.sub = nil
	}
}

func (c *Channel) subscribeLocked(t *topic) {
	sub, err := c.conn.Subscribe(t.name, stomp.AckAuto)
	if err != nil {
		// The connection is failing; the next reconnect resubscribes.
		c.log.Warn("subscribe failed", zap.String("topic", t.name), zap.Error(err))
		return
	}
	t.sub = sub
	go c.pump(t, sub)
}

func (c *Channel) pump(t *topic, sub *stomp.Subscription) {
	for msg := range sub.C {
		if msg.Err != nil {
			c.log.Debug("subscription ended", zap.String("topic", t.name), zap.Error(msg.Err))
			continue
		}
		c.mu.Lock()
		ids := make([]int, 0, len(t.handlers))
		for id := range t.handlers {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		handlers := make([]Handler, 0, len(ids))
		for _, id := range ids {
			handlers = append(handlers, t.handlers[id])
		}
		c.mu.Unlock()

		t.deliver.Lock()
		for _, h := range handlers {
			h(msg.Body)
		}
		t.deliver.Unlock()
	}
}

// Subscribe registers h for a topic and returns a func that removes it. The
// topic is subscribed on the server while at least one handler is registered,
// including across reconnects.
func (c *Channel) Subscribe(name string, h Handler) func() {
	c.mu.Lock()
	t, ok := c.topics[name]
	if !ok {
		t = &topic{name: name, handlers: make(map[int]Handler)}
		c.topics[name] = t
		if c.conn != nil {
			c.subscribeLocked(t)
		}
	}
	id := t.next
	t.next++
	t.handlers[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.release(t, id) })
	}
}

func (c *Channel) release(t *topic, id int) {
	c.mu.Lock()
	delete(t.handlers, id)
	if len(t.handlers) > 0 || c.topics[t.name] != t {
		c.mu.Unlock()
		return
	}
	delete(c.topics, t.name)
	sub := t.sub
	t.sub = nil
	c.mu.Unlock()

	// Unsubscribe waits for the server, so it runs without the lock the
	// pump goroutines need.
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.log.Debug("unsubscribe", zap.String("topic", t.name), zap.Error(err))
		}
	}
}

// Topics returns the names of the topics with live handlers.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Publish sends payload as JSON. There is no acknowledgement; success shows
// up later as an inbound event.
func (c *Channel) Publish(destination string, payload any) error {
	const op = "transport.publish"
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.NewNetwork(op, ErrNotConnected)
	}
	if err := conn.Send(destination, "application/json", body); err != nil {
		return apperr.NewNetwork(op, err)
	}
	return nil
}
