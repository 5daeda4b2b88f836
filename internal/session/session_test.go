package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/clock"
	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/protocol"
	"github.com/manpreetbhatti/tandem/internal/transport"
)

const testRoom = "r1"

// fakeSurface is an in-memory editor. When echo is set, Replace reports the
// write back to the session the way a real editor widget would.
type fakeSurface struct {
	mu          sync.Mutex
	text        []rune
	cursor      Cursor
	decorations map[string]presence.Decoration
	replaces    int

	session    *Session
	echo       bool
	echoOrigin Origin
}

func newFakeSurface(initial string) *fakeSurface {
	return &fakeSurface{
		text:        []rune(initial),
		decorations: make(map[string]presence.Decoration),
		echo:        true,
		echoOrigin:  OriginRemote,
	}
}

func (f *fakeSurface) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.text)
}

func (f *fakeSurface) Replace(text string, origin Origin) {
	f.mu.Lock()
	old := len(f.text)
	f.text = []rune(text)
	f.replaces++
	s, echo, echoOrigin := f.session, f.echo, f.echoOrigin
	f.mu.Unlock()

	if echo && s != nil {
		s.HandleChange(ChangeEvent{Origin: echoOrigin, Edits: []Edit{{Offset: 0, Deleted: old, Inserted: text}}})
	}
}

func (f *fakeSurface) Cursor() Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

func (f *fakeSurface) SetCursor(c Cursor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = c
}

func (f *fakeSurface) SetDecoration(id string, d presence.Decoration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decorations[id] = d
}

func (f *fakeSurface) ClearDecoration(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.decorations, id)
}

func (f *fakeSurface) decoration(id string) (presence.Decoration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decorations[id]
	return d, ok
}

// edit simulates the user changing the text.
func (f *fakeSurface) edit(t *testing.T, origin Origin, offset, deleted int, inserted string) {
	t.Helper()
	f.mu.Lock()
	runes := append([]rune(nil), f.text[:offset]...)
	runes = append(runes, []rune(inserted)...)
	runes = append(runes, f.text[offset+deleted:]...)
	f.text = runes
	s := f.session
	f.mu.Unlock()

	if err := s.HandleChange(ChangeEvent{Origin: origin, Edits: []Edit{{Offset: offset, Deleted: deleted, Inserted: inserted}}}); err != nil {
		t.Fatalf("Failed to handle change: %v", err)
	}
}

type harness struct {
	bus   *transport.MemoryBus
	clock *clock.Fake
}

func newHarness() *harness {
	return &harness{bus: transport.NewMemoryBus(), clock: clock.NewFake(time.UnixMilli(1_700_000_000_000))}
}

func (h *harness) config() Config {
	return Config{
		Debounce:         300 * time.Millisecond,
		MaxWait:          time.Second,
		PresenceThrottle: 50 * time.Millisecond,
		PresenceTimeout:  30 * time.Second,
		Clock:            h.clock,
		Logger:           zerolog.Nop(),
	}
}

func (h *harness) join(t *testing.T, id string, surface *fakeSurface, seed bool) (*Session, *transport.Memory) {
	t.Helper()
	tr := h.bus.Client()
	s, err := Join(context.Background(), Options{
		RoomID:      testRoom,
		Participant: presence.Participant{ID: id, Name: "name-" + id},
		Transport:   tr,
		Surface:     surface,
		Seed:        seed,
		Config:      h.config(),
	})
	if err != nil {
		t.Fatalf("Failed to join as %s: %v", id, err)
	}
	surface.mu.Lock()
	surface.session = s
	surface.mu.Unlock()
	t.Cleanup(func() { s.Leave(context.Background()) })
	return s, tr
}

// spy records every document topic envelope on the bus.
type spy struct {
	mu        sync.Mutex
	envelopes []protocol.Envelope
	client    *transport.Memory
}

func (h *harness) spy(t *testing.T) *spy {
	t.Helper()
	sp := &spy{client: h.bus.Client()}
	if err := sp.client.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect spy: %v", err)
	}
	sp.client.Subscribe(protocol.DocumentTopic(testRoom), func(payload string) {
		env, err := protocol.ParseEnvelope(payload)
		if err != nil {
			return
		}
		sp.mu.Lock()
		sp.envelopes = append(sp.envelopes, env)
		sp.mu.Unlock()
	})
	return sp
}

func (sp *spy) count(t protocol.MessageType, sender string) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := 0
	for _, env := range sp.envelopes {
		if env.Type == t && env.Sender == sender {
			n++
		}
	}
	return n
}

func (sp *spy) publish(t *testing.T, topic, payload string) {
	t.Helper()
	if err := sp.client.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
}

func TestReplicaReceivesInsert(t *testing.T) {
	h := newHarness()
	sa, sb := newFakeSurface(""), newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	b, _ := h.join(t, "b", sb, false)

	sa.edit(t, OriginUser, 0, 0, "abc")
	h.clock.Advance(300 * time.Millisecond)

	if b.Text() != "abc" {
		t.Errorf("Expected replica B to have 'abc', got %q", b.Text())
	}
	if sb.Text() != "abc" {
		t.Errorf("Expected B's surface to show 'abc', got %q", sb.Text())
	}
	if a.State() != Synced || b.State() != Synced {
		t.Errorf("Expected both sessions synced, got %v and %v", a.State(), b.State())
	}
}

func TestConcurrentDeleteAndInsertConverge(t *testing.T) {
	h := newHarness()
	sa, sb := newFakeSurface(""), newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	b, _ := h.join(t, "b", sb, false)

	sa.edit(t, OriginUser, 0, 0, "abc")
	h.clock.Advance(300 * time.Millisecond)
	if b.Text() != "abc" {
		t.Fatalf("Expected 'abc' on both replicas, got %q", b.Text())
	}

	// Both edits land inside the same debounce window.
	sa.edit(t, OriginUser, 1, 1, "")
	sb.edit(t, OriginUser, 1, 0, "X")
	h.clock.Advance(300 * time.Millisecond)

	if a.Text() != "aXc" || b.Text() != "aXc" {
		t.Errorf("Expected both to converge to 'aXc', got %q and %q", a.Text(), b.Text())
	}
	if sa.Text() != "aXc" || sb.Text() != "aXc" {
		t.Errorf("Expected both surfaces to show 'aXc', got %q and %q", sa.Text(), sb.Text())
	}
}

func TestInvalidBase64KeepsSessionConnected(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	sa.edit(t, OriginUser, 0, 0, "keep")

	err := a.ApplyRemote("YWJjZA=")
	if !errors.Is(err, codec.ErrMalformed) {
		t.Errorf("Expected codec error, got %v", err)
	}

	sp := h.spy(t)
	bad, _ := protocol.CodeUpdate("mallory", "Zm9v=")
	sp.publish(t, protocol.DocumentTopic(testRoom), bad)
	sp.publish(t, protocol.DocumentTopic(testRoom), "{not json")

	if a.State() != Synced {
		t.Errorf("Expected session to stay synced, got %v", a.State())
	}
	if a.Text() != "keep" || sa.Text() != "keep" {
		t.Errorf("Expected document unchanged, got %q", a.Text())
	}
	if a.Err() != nil {
		t.Errorf("Expected no fatal error, got %v", a.Err())
	}
}

func TestStaleCursorIgnored(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	h.join(t, "a", sa, false)
	sp := h.spy(t)

	fresh, _ := protocol.EncodeCursor(protocol.CursorMessage{UserID: "p1", Username: "pat", Position: 5, Timestamp: 100})
	stale, _ := protocol.EncodeCursor(protocol.CursorMessage{UserID: "p1", Username: "pat", Position: 1, Timestamp: 90})
	sp.publish(t, protocol.CursorTopic(testRoom), fresh)
	sp.publish(t, protocol.CursorTopic(testRoom), stale)

	d, ok := sa.decoration("p1")
	if !ok {
		t.Fatal("Expected a decoration for p1")
	}
	if d.Position != 5 {
		t.Errorf("Expected cursor from timestamp 100 at 5, got %d", d.Position)
	}
}

func TestLeaveClearsRemoteCursor(t *testing.T) {
	h := newHarness()
	sa, sb := newFakeSurface(""), newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	b, _ := h.join(t, "b", sb, false)

	if err := b.HandleCursor(Cursor{Position: 0}); err != nil {
		t.Fatalf("Failed to send cursor: %v", err)
	}
	if _, ok := sa.decoration("b"); !ok {
		t.Fatal("Expected A to draw B's cursor")
	}

	if err := b.Leave(context.Background()); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	if _, ok := sa.decoration("b"); ok {
		t.Error("Expected B's cursor to be cleared on leave")
	}
	for _, p := range a.Participants() {
		if p.ID == "b" {
			t.Error("Expected B to be gone from participants")
		}
	}
}

func TestSilentParticipantTimesOut(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	h.join(t, "a", sa, false)
	sp := h.spy(t)

	ghost, _ := protocol.EncodeCursor(protocol.CursorMessage{UserID: "ghost", Position: 0, Timestamp: 1})
	sp.publish(t, protocol.CursorTopic(testRoom), ghost)
	if _, ok := sa.decoration("ghost"); !ok {
		t.Fatal("Expected ghost cursor to be drawn")
	}

	for i := 0; i < 4; i++ {
		h.clock.Advance(5 * time.Second)
	}
	if _, ok := sa.decoration("ghost"); !ok {
		t.Fatal("Expected ghost cursor to survive before the presence timeout")
	}
	for i := 0; i < 2; i++ {
		h.clock.Advance(5 * time.Second)
	}
	if _, ok := sa.decoration("ghost"); ok {
		t.Error("Expected ghost cursor to be removed within the presence timeout")
	}
}

func TestRemoteApplyIsNotRepublished(t *testing.T) {
	for _, origin := range []Origin{OriginRemote, OriginUnknown} {
		t.Run(origin.String(), func(t *testing.T) {
			h := newHarness()
			sa, sb := newFakeSurface(""), newFakeSurface("")
			sb.echoOrigin = origin
			h.join(t, "a", sa, false)
			b, _ := h.join(t, "b", sb, false)
			sp := h.spy(t)

			sa.edit(t, OriginUser, 0, 0, "hello")
			h.clock.Advance(time.Second)
			h.clock.Advance(time.Second)

			if b.Text() != "hello" {
				t.Fatalf("Expected B to receive 'hello', got %q", b.Text())
			}
			if n := sp.count(protocol.MessageTypeCodeUpdate, "b"); n != 0 {
				t.Errorf("Expected B to publish nothing, got %d updates", n)
			}

			// The suppression counter is back to zero, so a genuine
			// untagged edit still goes out.
			sb.edit(t, OriginUnknown, 5, 0, "!")
			h.clock.Advance(300 * time.Millisecond)
			if n := sp.count(protocol.MessageTypeCodeUpdate, "b"); n != 1 {
				t.Errorf("Expected B's own edit to be published once, got %d", n)
			}
		})
	}
}

func TestDebounceCoalescesKeystrokes(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	h.join(t, "a", sa, false)
	sp := h.spy(t)

	for i, ch := range "hello" {
		sa.edit(t, OriginUser, i, 0, string(ch))
		h.clock.Advance(100 * time.Millisecond)
	}
	if n := sp.count(protocol.MessageTypeCodeUpdate, "a"); n != 0 {
		t.Fatalf("Expected no publish while typing, got %d", n)
	}

	h.clock.Advance(200 * time.Millisecond)
	if n := sp.count(protocol.MessageTypeCodeUpdate, "a"); n != 1 {
		t.Errorf("Expected one coalesced publish, got %d", n)
	}
}

func TestDebounceBoundedByMaxWait(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	h.join(t, "a", sa, false)
	sp := h.spy(t)

	// A keystroke every 200ms never leaves a 300ms gap.
	for i := 0; i < 5; i++ {
		sa.edit(t, OriginUser, i, 0, "x")
		h.clock.Advance(200 * time.Millisecond)
	}
	if n := sp.count(protocol.MessageTypeCodeUpdate, "a"); n != 1 {
		t.Errorf("Expected a publish once MaxWait elapsed, got %d", n)
	}
}

func TestLeaveCancelsPendingPublish(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	sp := h.spy(t)

	sa.edit(t, OriginUser, 0, 0, "unsent")
	if err := a.Leave(context.Background()); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	h.clock.Advance(5 * time.Second)

	if n := sp.count(protocol.MessageTypeCodeUpdate, "a"); n != 0 {
		t.Errorf("Expected pending edit to be discarded, got %d publishes", n)
	}
	if n := sp.count(protocol.MessageTypeLeave, "a"); n != 1 {
		t.Errorf("Expected one LEAVE, got %d", n)
	}
	if err := a.Leave(context.Background()); err != nil {
		t.Errorf("Expected second Leave to be a no-op, got %v", err)
	}
	if err := a.HandleChange(ChangeEvent{Origin: OriginUser, Edits: []Edit{{Inserted: "x"}}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after leave, got %v", err)
	}
	if a.State() != Disconnected {
		t.Errorf("Expected disconnected after leave, got %v", a.State())
	}
}

func TestReconnectResyncsBothWays(t *testing.T) {
	h := newHarness()
	sa, sb := newFakeSurface(""), newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	b, tb := h.join(t, "b", sb, false)

	var states []State
	cancel := b.OnStateChange(func(s State) { states = append(states, s) })
	defer cancel()

	tb.Drop()
	if b.State() != Reconnecting {
		t.Fatalf("Expected reconnecting, got %v", b.State())
	}

	sa.edit(t, OriginUser, 0, 0, "hi")
	sb.edit(t, OriginUser, 0, 0, "yo")
	h.clock.Advance(300 * time.Millisecond)

	if strings.Contains(b.Text(), "hi") || strings.Contains(a.Text(), "yo") {
		t.Fatal("Expected no exchange while B is offline")
	}

	tb.Restore()

	if a.Text() != b.Text() {
		t.Errorf("Expected convergence after reconnect, got %q and %q", a.Text(), b.Text())
	}
	if !strings.Contains(a.Text(), "hi") || !strings.Contains(a.Text(), "yo") || len(a.Text()) != 4 {
		t.Errorf("Expected both edits to survive, got %q", a.Text())
	}
	if b.State() != Synced {
		t.Errorf("Expected B synced again, got %v", b.State())
	}
	want := []State{Reconnecting, Joining, Synced}
	if len(states) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Transition %d: expected %v, got %v", i, want[i], states[i])
		}
	}
}

func TestSeedPublishesExistingText(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("hello")
	h.join(t, "a", sa, true)

	sb := newFakeSurface("stale local text")
	b, _ := h.join(t, "b", sb, false)

	if b.Text() != "hello" || sb.Text() != "hello" {
		t.Errorf("Expected joiner to receive seeded text, got %q (surface %q)", b.Text(), sb.Text())
	}
}

func TestCursorFollowsRemoteInsert(t *testing.T) {
	h := newHarness()
	sa, sb := newFakeSurface(""), newFakeSurface("")
	h.join(t, "a", sa, false)
	h.join(t, "b", sb, false)

	sa.edit(t, OriginUser, 0, 0, "abc")
	h.clock.Advance(300 * time.Millisecond)

	sb.SetCursor(Cursor{Position: 2, Selection: protocol.Selection{Start: 1, End: 2}})
	sa.edit(t, OriginUser, 0, 0, "XY")
	h.clock.Advance(300 * time.Millisecond)

	c := sb.Cursor()
	if c.Position != 4 || c.Selection.Start != 3 || c.Selection.End != 4 {
		t.Errorf("Expected cursor shifted to 4 with selection [3,4), got %+v", c)
	}

	sb.SetCursor(Cursor{Position: 5})
	sa.edit(t, OriginUser, 0, 5, "")
	h.clock.Advance(300 * time.Millisecond)
	if c := sb.Cursor(); c.Position != 0 {
		t.Errorf("Expected cursor clamped to 0 after the text vanished, got %+v", c)
	}
}

func TestMergeImpossibleStopsSession(t *testing.T) {
	h := newHarness()
	sa := newFakeSurface("")
	a, _ := h.join(t, "a", sa, false)
	sa.edit(t, OriginUser, 0, 0, "a")

	a.mu.Lock()
	replica := a.doc.Replica()
	a.mu.Unlock()

	forged := crdt.Update{Items: []crdt.ItemRecord{{ID: crdt.NewID(replica, 0), Content: "z"}}}
	frame, err := codec.EncodeUpdate(forged, codec.CompressionNone)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	if err := a.ApplyRemote(codec.EncodeText(frame)); !errors.Is(err, crdt.ErrMergeImpossible) {
		t.Fatalf("Expected ErrMergeImpossible, got %v", err)
	}
	if a.State() != Disconnected || a.Err() == nil {
		t.Errorf("Expected session stopped with an error, got %v / %v", a.State(), a.Err())
	}
	if err := a.HandleChange(ChangeEvent{Origin: OriginUser, Edits: []Edit{{Inserted: "x"}}}); err == nil {
		t.Error("Expected edits to be refused after a fatal error")
	}
}

func TestJoinValidatesOptions(t *testing.T) {
	if _, err := Join(context.Background(), Options{RoomID: "r"}); err == nil {
		t.Error("Expected error without transport and surface")
	}
	bus := transport.NewMemoryBus()
	if _, err := Join(context.Background(), Options{Transport: bus.Client(), Surface: newFakeSurface("")}); err == nil {
		t.Error("Expected error without room id")
	}
}

func TestJoinFailsWhenTransportIsDown(t *testing.T) {
	h := newHarness()
	tr := h.bus.Client()
	tr.Drop()
	_, err := Join(context.Background(), Options{
		RoomID:    testRoom,
		Transport: tr,
		Surface:   newFakeSurface(""),
		Config:    h.config(),
	})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestParticipantsTracksJoins(t *testing.T) {
	h := newHarness()
	a, _ := h.join(t, "a", newFakeSurface(""), false)
	h.join(t, "b", newFakeSurface(""), false)

	ps := a.Participants()
	if len(ps) != 2 || ps[0].ID != "a" || ps[1].ID != "b" || ps[1].Name != "name-b" {
		t.Errorf("Unexpected participants %+v", ps)
	}
	if ps[0].Color != presence.Color("a") {
		t.Errorf("Expected derived color for local participant, got %q", ps[0].Color)
	}
}
