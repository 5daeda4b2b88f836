package session

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/protocol"
)

// HandleChange applies a surface change to the document and schedules a
// publish. Echoes of the session's own writes are dropped.
func (s *Session) HandleChange(ev ChangeEvent) error {
	switch {
	case ev.Origin == OriginRemote:
		return nil
	case ev.Origin == OriginUnknown && s.suppress.Load() > 0:
		s.suppress.Add(-1)
		return nil
	}
	if len(ev.Edits) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	var err error
	for i, e := range ev.Edits {
		if err = s.applyEditLocked(e); err != nil {
			err = fmt.Errorf("apply local edit %d at %d: %w", i, e.Offset, err)
			// The surface no longer matches the document; put it back.
			s.writeSurfaceLocked(s.surface.Cursor())
			break
		}
	}
	s.dirty = true
	s.scheduleFlushLocked()
	s.unlock()
	return err
}

func (s *Session) applyEditLocked(e Edit) error {
	if e.Deleted > 0 {
		if _, err := s.doc.Delete(e.Offset, e.Deleted); err != nil {
			return err
		}
	}
	if e.Inserted != "" {
		if _, err := s.doc.Insert(e.Offset, e.Inserted); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) scheduleFlush() {
	s.mu.Lock()
	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// scheduleFlushLocked (re)arms the debounce timer. The timer restarts on
// every edit but never pushes the publish past MaxWait after the first
// unsent edit.
func (s *Session) scheduleFlushLocked() {
	if s.closed {
		return
	}
	now := s.cfg.Clock.Now()
	if s.debounce == nil {
		s.firstUnsent = now
		s.debounce = s.cfg.Clock.AfterFunc(s.cfg.Debounce, s.flush)
		return
	}
	wait := s.cfg.Debounce
	if left := s.cfg.MaxWait - now.Sub(s.firstUnsent); left < wait {
		wait = max(left, 0)
	}
	s.debounce.Reset(wait)
}

// Flush publishes pending local edits now instead of waiting for the
// debounce window.
func (s *Session) Flush() {
	s.mu.Lock()
	s.stopDebounceLocked()
	s.mu.Unlock()
	s.flush()
}

func (s *Session) flush() {
	s.mu.Lock()
	s.debounce = nil
	if s.closed || s.err != nil || s.state != Synced || !s.dirty {
		s.mu.Unlock()
		return
	}
	since := s.doc.StateVector()
	replica := s.doc.Replica()
	own := since[replica]
	since[replica] = s.published
	frame, err := codec.EncodeDelta(s.doc, since)
	s.dirty = false
	s.mu.Unlock()

	if err == nil {
		var payload string
		payload, err = protocol.CodeUpdate(s.local.ID, codec.EncodeText(frame))
		if err == nil {
			err = s.tr.Publish(s.ctx, s.docTopic, payload)
		}
	}
	s.mu.Lock()
	if err != nil {
		// Kept for the next flush or the reconnect resync.
		s.dirty = true
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("publishing local edits failed")
		return
	}
	if own > s.published {
		s.published = own
	}
	s.mu.Unlock()
	s.logger.Debug().Int("bytes", len(frame)).Msg("published update")
}

// handleDocument is the document topic handler.
func (s *Session) handleDocument(payload string) {
	env, err := protocol.ParseEnvelope(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping document message")
		return
	}
	if env.Sender == s.local.ID {
		return
	}

	switch env.Type {
	case protocol.MessageTypeJoin:
		var c protocol.JoinContent
		if err := env.Decode(&c); err != nil {
			s.logger.Warn().Err(err).Msg("dropping join")
			return
		}
		if c.UserID == "" {
			c.UserID = env.Sender
		}
		s.presence.Join(presence.Participant{ID: c.UserID, Name: c.Username, Color: c.Color})
		s.logger.Info().Str("peer", c.UserID).Str("name", c.Username).Msg("participant joined")
		s.answerJoin(c)

	case protocol.MessageTypeLeave:
		var c protocol.LeaveContent
		if err := env.Decode(&c); err != nil {
			s.logger.Warn().Err(err).Msg("dropping leave")
			return
		}
		if c.UserID == "" {
			c.UserID = env.Sender
		}
		s.presence.Remove(c.UserID)
		s.logger.Info().Str("peer", c.UserID).Msg("participant left")

	case protocol.MessageTypeCodeUpdate:
		var c protocol.CodeUpdateContent
		if err := env.Decode(&c); err != nil {
			s.logger.Warn().Err(err).Msg("dropping update")
			return
		}
		// Failures are logged inside.
		_ = s.ApplyRemote(c.Code)
	}
}

// answerJoin sends a joiner what its state vector says it lacks.
func (s *Session) answerJoin(c protocol.JoinContent) {
	var sv crdt.StateVector
	if c.StateVector != "" {
		b, err := codec.DecodeText(c.StateVector)
		if err == nil {
			sv, err = codec.DecodeStateVector(b)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("peer", c.UserID).Msg("bad state vector, sending full state")
			sv = nil
		}
	}

	s.mu.Lock()
	if s.closed || s.err != nil || s.state != Synced {
		s.mu.Unlock()
		return
	}
	u := s.doc.Diff(sv)
	s.mu.Unlock()
	if u.Empty() {
		return
	}

	frame, err := codec.EncodeUpdate(u, codec.CompressionLZ4)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding join answer failed")
		return
	}
	payload, err := protocol.CodeUpdate(s.local.ID, codec.EncodeText(frame))
	if err == nil {
		err = s.tr.Publish(s.ctx, s.docTopic, payload)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", c.UserID).Msg("answering join failed")
	}
}

// ApplyRemote decodes a base64 update, merges it and rewrites the surface
// while keeping the local cursor on the same text. A malformed payload is
// dropped and returned as a *codec.CodecError; the session keeps running.
func (s *Session) ApplyRemote(payload string) error {
	b, err := codec.DecodeText(payload)
	var u crdt.Update
	if err == nil {
		u, err = codec.Decode(b)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed update")
		if s.cfg.ResyncOnError && s.State() == Synced {
			if aerr := s.announce(s.ctx, true); aerr != nil {
				s.logger.Warn().Err(aerr).Msg("resync request failed")
			}
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}

	before := s.doc.Text()
	cur := s.surface.Cursor()
	pos := s.doc.Anchor(cur.Position)
	selStart := s.doc.Anchor(cur.Selection.Start)
	selEnd := s.doc.Anchor(cur.Selection.End)

	if err := s.doc.Merge(u); err != nil {
		if errors.Is(err, crdt.ErrMergeImpossible) {
			s.failLocked(err)
		}
		s.unlock()
		return err
	}

	if s.doc.Text() != before {
		s.writeSurfaceLocked(Cursor{
			Position: s.doc.Resolve(pos),
			Selection: protocol.Selection{
				Start: s.doc.Resolve(selStart),
				End:   s.doc.Resolve(selEnd),
			},
		})
	}
	s.unlock()
	return nil
}

// writeSurfaceLocked replaces the surface text with the document's and
// restores the cursor, clamped to the new text.
func (s *Session) writeSurfaceLocked(c Cursor) {
	n := s.doc.Len()
	s.suppress.Add(1)
	s.surface.Replace(s.doc.Text(), OriginRemote)
	s.suppress.Store(0)
	s.surface.SetCursor(Cursor{
		Position: clamp(c.Position, n),
		Selection: protocol.Selection{
			Start: clamp(c.Selection.Start, n),
			End:   clamp(c.Selection.End, n),
		},
	})
}

func clamp(v, n int) int {
	return min(max(v, 0), n)
}
