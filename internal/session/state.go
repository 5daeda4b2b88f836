package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/protocol"
	"github.com/manpreetbhatti/tandem/internal/transport"
)

// State is the lifecycle of a room session.
//
//	Disconnected -> Connecting -> Joining -> Synced -> Disconnected
//	Synced -> Reconnecting -> Joining -> Synced
type State int

const (
	Disconnected State = iota
	Connecting
	Joining
	Synced
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joining:
		return "joining"
	case Synced:
		return "synced"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type listeners struct {
	mu    sync.Mutex
	next  int
	funcs map[int]func(State)
}

func (l *listeners) add(fn func(State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]func(State))
	}
	id := l.next
	l.next++
	l.funcs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.funcs, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emit(st State) {
	l.mu.Lock()
	fns := make([]func(State), 0, len(l.funcs))
	for _, fn := range l.funcs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// OnStateChange registers fn for session state transitions. The returned
// func removes it.
func (s *Session) OnStateChange(fn func(State)) func() {
	return s.listeners.add(fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked records a transition; listeners run when unlock is called.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug().Stringer("from", s.state).Stringer("to", st).Msg("session state")
	s.state = st
	s.notes = append(s.notes, st)
}

// unlock releases s.mu and then notifies listeners of queued transitions.
func (s *Session) unlock() {
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()
	for _, st := range notes {
		s.listeners.emit(st)
	}
}

func (s *Session) onTransportState(ts transport.State) {
	switch ts {
	case transport.Disconnected:
		s.mu.Lock()
		if s.closed || s.err != nil || (s.state != Synced && s.state != Joining) {
			s.mu.Unlock()
			return
		}
		// Edits stay in the document; the resync carries them.
		s.stopDebounceLocked()
		s.setStateLocked(Reconnecting)
		s.unlock()
		s.logger.Warn().Msg("transport lost, publishing suspended")

	case transport.Connected:
		s.mu.Lock()
		if s.closed || s.err != nil || s.state != Reconnecting {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(Joining)
		s.unlock()
		s.resync(s.ctx)
	}
}

// resync publishes the full local state, since deltas sent during the
// outage may have been lost, then re-announces so peers send what this
// replica missed.
func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return
	}
	frame, err := codec.EncodeFull(s.doc)
	own := s.doc.StateVector()[s.doc.Replica()]
	wasDirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	if err == nil {
		var payload string
		payload, err = protocol.CodeUpdate(s.local.ID, codec.EncodeText(frame))
		if err == nil {
			err = s.tr.Publish(ctx, s.docTopic, payload)
		}
	}
	if err == nil {
		err = s.announce(ctx, false)
	}

	s.mu.Lock()
	if err != nil {
		s.dirty = s.dirty || wasDirty
		if !s.closed && s.state == Joining {
			s.setStateLocked(Reconnecting)
		}
		s.unlock()
		s.logger.Warn().Err(err).Msg("resync failed, waiting for the next reconnect")
		return
	}
	if own > s.published {
		s.published = own
	}
	if !s.closed && s.state == Joining {
		s.setStateLocked(Synced)
	}
	dirty := s.dirty
	s.unlock()
	s.logger.Info().Msg("resynced after reconnect")

	if dirty {
		s.scheduleFlush()
	}
}
