// Package session binds a replicated document to an editing surface and a
// transport for one room.
//
// All document access goes through one mutex. Transport calls are made with
// the mutex released, so in-process transports may deliver synchronously.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/clock"
	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/protocol"
	"github.com/manpreetbhatti/tandem/internal/transport"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultMaxWait  = time.Second

	DefaultName = "default"
)

var ErrClosed = errors.New("session: closed")

type Config struct {
	// Debounce is the idle gap after the last local edit before the batch
	// is published.
	Debounce time.Duration

	// MaxWait bounds how long an edit can wait while typing continues.
	MaxWait time.Duration

	PresenceThrottle time.Duration
	PresenceTimeout  time.Duration

	// ResyncOnError re-announces the session after a malformed update so
	// peers send a full state.
	ResyncOnError bool

	Clock  clock.Clock
	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxWait < c.Debounce {
		c.MaxWait = c.Debounce
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

type Options struct {
	RoomID      string
	Participant presence.Participant
	Transport   transport.Transport
	Surface     Surface

	// Seed publishes the surface's existing text as the local
	// participant's edit. Otherwise the surface is cleared and filled from
	// the room.
	Seed bool

	Config Config
}

type Session struct {
	roomID      string
	docTopic    string
	cursorTopic string
	local       presence.Participant
	tr          transport.Transport
	surface     Surface
	cfg         Config
	logger      zerolog.Logger
	presence    *presence.Tracker
	listeners   listeners

	ctx    context.Context
	cancel context.CancelFunc

	// suppress counts programmatic surface writes in progress.
	suppress atomic.Int32

	mu          sync.Mutex
	doc         *crdt.Doc
	state       State
	notes       []State
	err         error
	closed      bool
	dirty       bool
	published   uint64
	debounce    *clock.Timer
	firstUnsent time.Time

	docSub      transport.Subscription
	cursorSub   transport.Subscription
	cancelState func()
}

// Join connects, subscribes to the room's topics and announces the local
// participant. Peers answer the announcement with the state this replica is
// missing.
func Join(ctx context.Context, opts Options) (*Session, error) {
	if opts.RoomID == "" {
		return nil, errors.New("session: room id is required")
	}
	if opts.Transport == nil || opts.Surface == nil {
		return nil, errors.New("session: transport and surface are required")
	}
	p := opts.Participant
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		p.Name = DefaultName
	}
	if p.Color == "" {
		p.Color = presence.Color(p.ID)
	}
	cfg := opts.Config
	cfg.setDefaults()

	s := &Session{
		roomID:      opts.RoomID,
		docTopic:    protocol.DocumentTopic(opts.RoomID),
		cursorTopic: protocol.CursorTopic(opts.RoomID),
		local:       p,
		tr:          opts.Transport,
		surface:     opts.Surface,
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("room", opts.RoomID).Str("user", p.ID).Logger(),
		doc:         crdt.NewDoc(crdt.NewReplicaID()),
		state:       Disconnected,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.presence = presence.New(p, s.publishCursor, opts.Surface, presence.Config{
		Throttle: cfg.PresenceThrottle,
		Timeout:  cfg.PresenceTimeout,
		Clock:    cfg.Clock,
		Logger:   s.logger,
	})

	if err := s.join(ctx, opts.Seed); err != nil {
		s.teardown()
		s.cancel()
		s.mu.Lock()
		s.closed = true
		s.setStateLocked(Disconnected)
		s.unlock()
		return nil, fmt.Errorf("join room %s: %w", opts.RoomID, err)
	}
	return s, nil
}

func (s *Session) join(ctx context.Context, seed bool) error {
	// Read before subscribing; a relay may deliver room state right away.
	initial := s.surface.Text()

	s.mu.Lock()
	s.setStateLocked(Connecting)
	s.unlock()

	if err := s.tr.Connect(ctx); err != nil {
		return err
	}

	var err error
	if s.docSub, err = s.tr.Subscribe(s.docTopic, s.handleDocument); err != nil {
		return err
	}
	if s.cursorSub, err = s.tr.Subscribe(s.cursorTopic, s.presence.HandleMessage); err != nil {
		return err
	}
	s.cancelState = s.tr.OnStateChange(s.onTransportState)

	s.mu.Lock()
	s.setStateLocked(Joining)
	if seed && initial != "" {
		if _, err := s.doc.Insert(0, initial); err != nil {
			s.unlock()
			return err
		}
		s.dirty = true
	}
	if s.surface.Text() != s.doc.Text() {
		s.writeSurfaceLocked(s.surface.Cursor())
	}
	s.unlock()

	if err := s.announce(ctx, false); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Joining {
		s.setStateLocked(Synced)
	}
	s.unlock()

	s.presence.Start()
	s.logger.Info().Uint64("replica", s.doc.Replica()).Msg("joined room")

	if seed {
		s.Flush()
	}
	return nil
}

// announce publishes a JOIN carrying the local state vector, or an empty
// one when full is set so peers send everything.
func (s *Session) announce(ctx context.Context, full bool) error {
	sv := crdt.StateVector{}
	s.mu.Lock()
	if s.doc != nil && !full {
		sv = s.doc.StateVector()
	}
	s.mu.Unlock()

	b, err := codec.EncodeStateVector(sv)
	if err != nil {
		return err
	}
	payload, err := protocol.Join(s.local.ID, protocol.JoinContent{
		UserID:      s.local.ID,
		Username:    s.local.Name,
		Color:       s.local.Color,
		StateVector: codec.EncodeText(b),
	})
	if err != nil {
		return err
	}
	return s.tr.Publish(ctx, s.docTopic, payload)
}

// Leave announces the departure and releases the room. Pending edits that
// were not yet published are discarded with the document. Safe to call
// more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopDebounceLocked()
	online := s.state == Synced
	s.setStateLocked(Disconnected)
	s.unlock()

	var errs []error
	if online {
		payload, err := protocol.Leave(s.local.ID)
		if err == nil {
			err = s.tr.Publish(ctx, s.docTopic, payload)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("announce leave: %w", err))
		}
	}
	errs = append(errs, s.teardown()...)
	s.cancel()

	s.mu.Lock()
	s.doc = nil
	s.mu.Unlock()

	s.logger.Info().Msg("left room")
	return errors.Join(errs...)
}

func (s *Session) teardown() []error {
	var errs []error
	for _, sub := range []transport.Subscription{s.docSub, s.cursorSub} {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cancelState != nil {
		s.cancelState()
	}
	s.presence.Close()
	return errs
}

func (s *Session) RoomID() string { return s.roomID }

func (s *Session) Local() presence.Participant { return s.local }

// Text returns the document text, or "" after Leave.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	return s.doc.Text()
}

// Err returns the fatal error that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Participants lists the local participant first, then known peers.
func (s *Session) Participants() []presence.Participant {
	return append([]presence.Participant{s.local}, s.presence.Participants()...)
}

// Cursors returns the remote cursors currently drawn.
func (s *Session) Cursors() []protocol.CursorMessage {
	return s.presence.Cursors()
}

// HandleCursor publishes the local cursor, throttled.
func (s *Session) HandleCursor(c Cursor) error {
	return s.presence.UpdateLocalCursor(s.ctx, c.Position, c.Selection)
}

func (s *Session) publishCursor(ctx context.Context, payload string) error {
	s.mu.Lock()
	online := !s.closed && s.state == Synced
	s.mu.Unlock()
	if !online {
		return nil
	}
	return s.tr.Publish(ctx, s.cursorTopic, payload)
}

// failLocked stops the session after an unrecoverable merge error. Callers hold
// s.mu.
func (s *Session) failLocked(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.stopDebounceLocked()
	s.setStateLocked(Disconnected)
	s.logger.Error().Err(err).Msg("document is inconsistent, session stopped")
}

func (s *Session) stopDebounceLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}
