// Package termsurface is a line-oriented editing surface for terminals.
// Edits arrive as explicit commands rather than keystrokes, and remote
// cursors are drawn inline in each participant's color.
package termsurface

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/session"
)

const (
	localCaret  = "│"
	remoteCaret = "▏"
)

var ErrOutOfRange = errors.New("termsurface: offset out of range")

// ChangeFunc receives every change to the surface text, normally
// Session.HandleChange.
type ChangeFunc func(session.ChangeEvent) error

type Surface struct {
	out      io.Writer
	renderer *lipgloss.Renderer

	mu          sync.Mutex
	text        []rune
	cursor      session.Cursor
	decorations map[string]presence.Decoration
	onChange    ChangeFunc
	onCursor    func(session.Cursor) error

	// live redraws after remote changes.
	live bool
}

var _ session.Surface = (*Surface)(nil)

// New returns an empty surface that renders to out.
func New(out io.Writer) *Surface {
	return &Surface{
		out:         out,
		renderer:    lipgloss.NewRenderer(out),
		decorations: make(map[string]presence.Decoration),
	}
}

// SetText loads initial text without reporting a change.
func (s *Surface) SetText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = []rune(text)
	s.cursor = clampCursor(s.cursor, len(s.text))
}

// OnChange registers the change handler.
func (s *Surface) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// OnCursor registers the handler for local cursor moves, normally
// Session.HandleCursor.
func (s *Surface) OnCursor(fn func(session.Cursor) error) {
	s.mu.Lock()
	s.onCursor = fn
	s.mu.Unlock()
}

// SetLive turns redrawing after remote changes on or off.
func (s *Surface) SetLive(on bool) {
	s.mu.Lock()
	s.live = on
	s.mu.Unlock()
}

func (s *Surface) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.text)
}

func (s *Surface) Cursor() session.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Surface) SetCursor(c session.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = clampCursor(c, len(s.text))
}

// Replace swaps the whole text and reports it back with origin.
func (s *Surface) Replace(text string, origin session.Origin) {
	s.mu.Lock()
	old := len(s.text)
	s.text = []rune(text)
	s.cursor = clampCursor(s.cursor, len(s.text))
	fn, live := s.onChange, s.live
	s.mu.Unlock()

	if fn != nil {
		fn(session.ChangeEvent{
			Origin: origin,
			Edits:  []session.Edit{{Offset: 0, Deleted: old, Inserted: text}},
		})
	}
	if live {
		s.Print()
	}
}

func (s *Surface) SetDecoration(id string, d presence.Decoration) {
	s.mu.Lock()
	s.decorations[id] = d
	live := s.live
	s.mu.Unlock()
	if live {
		s.Print()
	}
}

func (s *Surface) ClearDecoration(id string) {
	s.mu.Lock()
	_, had := s.decorations[id]
	delete(s.decorations, id)
	live := s.live
	s.mu.Unlock()
	if had && live {
		s.Print()
	}
}

// Decorations returns the remote cursors currently drawn, keyed by
// participant id.
func (s *Surface) Decorations() map[string]presence.Decoration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]presence.Decoration, len(s.decorations))
	for id, d := range s.decorations {
		out[id] = d
	}
	return out
}

// Insert types text at offset as the local user. The caret ends up after
// the inserted text.
func (s *Surface) Insert(offset int, text string) error {
	return s.edit(session.Edit{Offset: offset, Inserted: text}, func(n int) int { return offset + n })
}

// Delete removes n runes at offset as the local user.
func (s *Surface) Delete(offset, n int) error {
	return s.edit(session.Edit{Offset: offset, Deleted: n}, func(int) int { return offset })
}

func (s *Surface) edit(e session.Edit, caret func(inserted int) int) error {
	s.mu.Lock()
	if e.Offset < 0 || e.Deleted < 0 || e.Offset+e.Deleted > len(s.text) {
		n := len(s.text)
		s.mu.Unlock()
		return fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, e.Offset, e.Deleted, n)
	}
	ins := []rune(e.Inserted)
	next := make([]rune, 0, len(s.text)-e.Deleted+len(ins))
	next = append(next, s.text[:e.Offset]...)
	next = append(next, ins...)
	next = append(next, s.text[e.Offset+e.Deleted:]...)
	s.text = next
	s.cursor = clampCursor(session.Cursor{Position: caret(len(ins))}, len(s.text))
	fn := s.onChange
	s.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(session.ChangeEvent{Origin: session.OriginUser, Edits: []session.Edit{e}})
}

// Select moves the local caret to end with the selection [start, end), and
// reports the move.
func (s *Surface) Select(start, end int) error {
	s.mu.Lock()
	if start < 0 || end < 0 || start > len(s.text) || end > len(s.text) {
		n := len(s.text)
		s.mu.Unlock()
		return fmt.Errorf("%w: %d-%d of %d", ErrOutOfRange, start, end, n)
	}
	if end < start {
		start, end = end, start
	}
	s.cursor = session.Cursor{Position: end}
	if end > start {
		s.cursor.Selection.Start, s.cursor.Selection.End = start, end
	}
	c, fn := s.cursor, s.onCursor
	s.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(c)
}

// Print writes Render to the output.
func (s *Surface) Print() {
	fmt.Fprintln(s.out, s.Render())
}

// Render draws the text with the local caret, remote carets and remote
// selections, followed by a legend of participants.
func (s *Surface) Render() string {
	s.mu.Lock()
	text := append([]rune(nil), s.text...)
	local := s.cursor
	ids := make([]string, 0, len(s.decorations))
	for id := range s.decorations {
		ids = append(ids, id)
	}
	decs := make(map[string]presence.Decoration, len(s.decorations))
	for id, d := range s.decorations {
		decs[id] = d
	}
	s.mu.Unlock()
	sort.Strings(ids)

	carets := make(map[int][]string)
	highlight := make([]lipgloss.TerminalColor, len(text))
	for _, id := range ids {
		d := decs[id]
		color := ParseColor(d.Color)
		pos := clamp(d.Position, len(text))
		carets[pos] = append(carets[pos], s.renderer.NewStyle().Foreground(color).Bold(true).Render(remoteCaret))
		sel := d.Selection
		for i := clamp(sel.Start, len(text)); i < clamp(sel.End, len(text)); i++ {
			highlight[i] = color
		}
	}

	caretStyle := s.renderer.NewStyle().Bold(true)
	var b strings.Builder
	for i := 0; i <= len(text); i++ {
		for _, c := range carets[i] {
			b.WriteString(c)
		}
		if i == local.Position {
			b.WriteString(caretStyle.Render(localCaret))
		}
		if i == len(text) {
			break
		}
		if highlight[i] != nil {
			b.WriteString(s.renderer.NewStyle().Background(highlight[i]).Render(string(text[i])))
		} else {
			b.WriteRune(text[i])
		}
	}

	if len(ids) > 0 {
		b.WriteString("\n")
		faint := s.renderer.NewStyle().Faint(true)
		for i, id := range ids {
			d := decs[id]
			if i > 0 {
				b.WriteString("  ")
			}
			label := d.Label
			if label == "" {
				label = id
			}
			b.WriteString(s.renderer.NewStyle().Foreground(ParseColor(d.Color)).Render("■ " + label))
			b.WriteString(faint.Render(fmt.Sprintf(" @%d", d.Position)))
		}
	}
	return b.String()
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}

func clampCursor(c session.Cursor, n int) session.Cursor {
	c.Position = clamp(c.Position, n)
	c.Selection.Start = clamp(c.Selection.Start, n)
	c.Selection.End = clamp(c.Selection.End, n)
	return c
}
