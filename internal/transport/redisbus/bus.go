// Package redisbus is a Transport over Redis pub/sub, for deployments where
// sessions share a Redis instance instead of a relay server.
package redisbus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/transport"
)

const healthInterval = 5 * time.Second

type Options struct {
	Addr     string
	Password string
	DB       int
	Logger   zerolog.Logger
}

type Bus struct {
	rdb       *redis.Client
	logger    zerolog.Logger
	listeners transport.Listeners

	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[*subscription]struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

var _ transport.Transport = (*Bus)(nil)

func New(opts Options) *Bus {
	return &Bus{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		logger: opts.Logger.With().Str("component", "redisbus").Str("addr", opts.Addr).Logger(),
		subs:   make(map[*subscription]struct{}),
		stop:   make(chan struct{}),
	}
}

// Connect pings Redis with backoff until it answers or ctx is done, then
// starts the health loop.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &transport.Error{Op: "connect", Err: transport.ErrClosed}
	}
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.RetryNotify(func() error {
		return b.rdb.Ping(ctx).Err()
	}, policy, func(err error, wait time.Duration) {
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("redis ping failed")
	})
	if err != nil {
		return &transport.Error{Op: "connect", Err: err}
	}

	b.setConnected(true)
	b.wg.Add(1)
	go b.health()
	return nil
}

func (b *Bus) setConnected(on bool) {
	b.mu.Lock()
	changed := b.connected != on && !b.closed
	b.connected = on
	b.mu.Unlock()
	if !changed {
		return
	}
	if on {
		b.logger.Info().Msg("redis connected")
		b.listeners.Emit(transport.Connected)
	} else {
		b.logger.Warn().Msg("redis unreachable")
		b.listeners.Emit(transport.Disconnected)
	}
}

func (b *Bus) health() {
	defer b.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthInterval)
			err := b.rdb.Ping(ctx).Err()
			cancel()
			b.setConnected(err == nil)
		}
	}
}

func (b *Bus) Subscribe(topic string, h transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &transport.Error{Op: "subscribe", Topic: topic, Err: transport.ErrClosed}
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(context.Background(), topic)
	s := &subscription{bus: b, topic: topic, ps: ps, done: make(chan struct{})}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	// go-redis resubscribes on its own after a reconnect.
	go func() {
		defer close(s.done)
		for msg := range ps.Channel() {
			h(msg.Payload)
		}
	}()
	return s, nil
}

func (b *Bus) Publish(ctx context.Context, topic, payload string) error {
	b.mu.Lock()
	closed, connected := b.closed, b.connected
	b.mu.Unlock()
	if closed {
		return &transport.Error{Op: "publish", Topic: topic, Err: transport.ErrClosed}
	}
	if !connected {
		return &transport.Error{Op: "publish", Topic: topic, Err: transport.ErrNotConnected}
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

func (b *Bus) OnStateChange(fn func(transport.State)) func() {
	return b.listeners.Add(fn)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	wasConnected := b.connected
	b.closed = true
	b.connected = false
	subs := b.subs
	b.subs = nil
	close(b.stop)
	b.mu.Unlock()

	for s := range subs {
		s.ps.Close()
	}
	b.wg.Wait()
	if wasConnected {
		b.listeners.Emit(transport.Disconnected)
	}
	return b.rdb.Close()
}

type subscription struct {
	bus   *Bus
	topic string
	ps    *redis.PubSub
	done  chan struct{}
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	if err := s.ps.Close(); err != nil {
		return &transport.Error{Op: "unsubscribe", Topic: s.topic, Err: err}
	}
	<-s.done
	return nil
}
