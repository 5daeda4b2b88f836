// Package presence tracks remote cursors and selections for one room.
//
// Cursor state is last-writer-wins by timestamp and never touches the
// document. Timestamps are hybrid: wall-clock milliseconds, bumped so they
// strictly increase per sender even if the wall clock steps backwards.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/manpreetbhatti/tandem/internal/clock"
	"github.com/manpreetbhatti/tandem/internal/protocol"
	"github.com/manpreetbhatti/tandem/internal/ratelimit"
)

const (
	DefaultThrottle = 50 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

// Participant is a member of the room.
type Participant struct {
	ID    string
	Name  string
	Color string
}

// Decoration is what a surface draws for a remote participant.
type Decoration struct {
	Label     string
	Color     string
	Position  int
	Selection protocol.Selection
}

// Decorator is the part of an editing surface that draws remote cursors.
// Decorations are keyed by participant id.
type Decorator interface {
	SetDecoration(id string, d Decoration)
	ClearDecoration(id string)
}

// Publisher sends a cursor payload on the room's cursor topic.
type Publisher func(ctx context.Context, payload string) error

type Config struct {
	// Throttle is the minimum spacing between outbound cursor updates.
	Throttle time.Duration

	// Timeout drops a remote cursor that has not been updated for this long.
	Timeout time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Throttle <= 0 {
		c.Throttle = DefaultThrottle
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

type entry struct {
	msg  protocol.CursorMessage
	seen time.Time
}

type Tracker struct {
	local     Participant
	publish   Publisher
	decorator Decorator
	cfg       Config
	logger    zerolog.Logger
	limiter   *ratelimit.Limiter

	mu           sync.Mutex
	cursors      map[string]entry
	participants map[string]Participant
	// departed holds the newest timestamp known when a participant left,
	// so cursor updates overtaken by their LEAVE stay rejected.
	departed     map[string]int64
	lastStamp    int64
	pending      *protocol.CursorMessage
	trailing     *clock.Timer
	sweeper      *clock.Timer
	closed       bool
}

// New creates a tracker for local. Call Start to begin timing out stale
// cursors.
func New(local Participant, publish Publisher, decorator Decorator, cfg Config) *Tracker {
	cfg.setDefaults()
	if local.Color == "" {
		local.Color = Color(local.ID)
	}
	return &Tracker{
		local:        local,
		publish:      publish,
		decorator:    decorator,
		cfg:          cfg,
		logger:       cfg.Logger.With().Str("component", "presence").Logger(),
		limiter:      ratelimit.NewLimiterWithClock(cfg.Clock, ratelimit.Every(cfg.Throttle), 1),
		cursors:      make(map[string]entry),
		participants: make(map[string]Participant),
		departed:     make(map[string]int64),
	}
}

// Start schedules periodic sweeps on the configured clock.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.sweeper != nil {
		return
	}
	t.sweeper = t.cfg.Clock.AfterFunc(t.sweepInterval(), t.sweepTick)
}

func (t *Tracker) sweepInterval() time.Duration {
	return t.cfg.Timeout / 4
}

func (t *Tracker) sweepTick() {
	// Ticks are one interval apart, so cutting off one interval early
	// removes a silent cursor no later than Timeout after its last update.
	t.sweep(t.cfg.Timeout - t.sweepInterval())
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed && t.sweeper != nil {
		t.sweeper.Reset(t.sweepInterval())
	}
}

func (t *Tracker) Local() Participant { return t.local }

// nextStamp returns max(now_ms, last+1). Callers hold t.mu.
func (t *Tracker) nextStamp() int64 {
	ts := t.cfg.Clock.Now().UnixMilli()
	if ts <= t.lastStamp {
		ts = t.lastStamp + 1
	}
	t.lastStamp = ts
	return ts
}

// UpdateLocalCursor publishes the local cursor. Updates faster than the
// throttle are coalesced and the latest is sent once the throttle allows.
func (t *Tracker) UpdateLocalCursor(ctx context.Context, position int, sel protocol.Selection) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	msg := protocol.CursorMessage{
		UserID:    t.local.ID,
		Username:  t.local.Name,
		Color:     t.local.Color,
		Position:  position,
		Selection: sel,
		Timestamp: t.nextStamp(),
	}
	if !t.limiter.Allow() {
		t.pending = &msg
		if t.trailing == nil {
			t.trailing = t.cfg.Clock.AfterFunc(t.limiter.Delay(), t.flushTrailing)
		}
		t.mu.Unlock()
		return nil
	}
	t.pending = nil
	t.mu.Unlock()

	return t.send(ctx, msg)
}

func (t *Tracker) flushTrailing() {
	t.mu.Lock()
	t.trailing = nil
	msg := t.pending
	t.pending = nil
	if t.closed || msg == nil {
		t.mu.Unlock()
		return
	}
	t.limiter.Allow()
	t.mu.Unlock()

	if err := t.send(context.Background(), *msg); err != nil {
		t.logger.Debug().Err(err).Msg("trailing cursor update not sent")
	}
}

func (t *Tracker) send(ctx context.Context, msg protocol.CursorMessage) error {
	payload, err := protocol.EncodeCursor(msg)
	if err != nil {
		return err
	}
	return t.publish(ctx, payload)
}

// HandleMessage is the cursor topic handler.
func (t *Tracker) HandleMessage(payload string) {
	msg, err := protocol.ParseCursor(payload)
	if err != nil {
		t.logger.Warn().Err(err).Msg("dropping cursor message")
		return
	}
	t.OnRemoteCursor(msg)
}

// OnRemoteCursor stores msg and redraws its decoration. It reports false
// for the local participant's own echo and for updates not newer than the
// stored one.
func (t *Tracker) OnRemoteCursor(msg protocol.CursorMessage) bool {
	t.mu.Lock()
	if t.closed || msg.UserID == t.local.ID {
		t.mu.Unlock()
		return false
	}
	stored, ok := t.departed[msg.UserID]
	if cur, live := t.cursors[msg.UserID]; live {
		stored, ok = cur.msg.Timestamp, true
	}
	if ok && msg.Timestamp <= stored {
		t.mu.Unlock()
		t.logger.Debug().
			Str("user", msg.UserID).
			Int64("timestamp", msg.Timestamp).
			Int64("stored", stored).
			Msg("stale cursor ignored")
		return false
	}
	delete(t.departed, msg.UserID)

	p, known := t.participants[msg.UserID]
	if msg.Username == "" && known {
		msg.Username = p.Name
	}
	if msg.Color == "" {
		msg.Color = Color(msg.UserID)
	}
	t.cursors[msg.UserID] = entry{msg: msg, seen: t.cfg.Clock.Now()}
	if !known {
		t.participants[msg.UserID] = Participant{ID: msg.UserID, Name: msg.Username, Color: msg.Color}
	}
	t.mu.Unlock()

	t.decorator.SetDecoration(msg.UserID, Decoration{
		Label:     msg.Username,
		Color:     msg.Color,
		Position:  msg.Position,
		Selection: msg.Selection,
	})
	return true
}

// Join records a participant announced on the document topic. A rejoin
// lifts the stale-cursor guard left by Remove.
func (t *Tracker) Join(p Participant) {
	if p.ID == "" || p.ID == t.local.ID {
		return
	}
	if p.Color == "" {
		p.Color = Color(p.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.participants[p.ID] = p
		delete(t.departed, p.ID)
	}
}

// Remove forgets a participant and clears its decoration. Cursor updates
// from before the removal are rejected if they arrive late.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	last := t.cfg.Clock.Now().UnixMilli()
	if cur, ok := t.cursors[userID]; ok && cur.msg.Timestamp > last {
		last = cur.msg.Timestamp
	}
	if prev := t.departed[userID]; prev > last {
		last = prev
	}
	t.departed[userID] = last
	delete(t.participants, userID)
	delete(t.cursors, userID)
	t.mu.Unlock()

	t.decorator.ClearDecoration(userID)
}

// Sweep drops cursors idle for longer than the timeout, together with
// their participants, and returns the affected ids.
func (t *Tracker) Sweep() []string {
	return t.sweep(t.cfg.Timeout)
}

func (t *Tracker) sweep(idle time.Duration) []string {
	cutoff := t.cfg.Clock.Now().Add(-idle)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	var expired []string
	for id, e := range t.cursors {
		if e.seen.Before(cutoff) {
			expired = append(expired, id)
			delete(t.cursors, id)
			delete(t.participants, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		t.logger.Debug().Str("user", id).Msg("cursor timed out")
		t.decorator.ClearDecoration(id)
	}
	return expired
}

// Cursors returns the stored remote cursors ordered by user id.
func (t *Tracker) Cursors() []protocol.CursorMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.CursorMessage, 0, len(t.cursors))
	for _, e := range t.cursors {
		out = append(out, e.msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Participants returns the known remote participants ordered by id.
func (t *Tracker) Participants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops timers and clears every remote decoration.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.sweeper != nil {
		t.sweeper.Stop()
	}
	if t.trailing != nil {
		t.trailing.Stop()
	}
	t.pending = nil
	ids := make([]string, 0, len(t.cursors))
	for id := range t.cursors {
		ids = append(ids, id)
	}
	t.cursors = nil
	t.participants = nil
	t.departed = nil
	t.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		t.decorator.ClearDecoration(id)
	}
}

// Color derives a stable display color from a participant id.
func Color(userID string) string {
	sum := blake3.Sum256([]byte(userID))
	hue := (int(sum[0])<<8 | int(sum[1])) % 360
	return fmt.Sprintf("hsl(%d, 70%%, 60%%)", hue)
}
