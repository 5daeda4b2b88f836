package session

import (
	"github.com/manpreetbhatti/tandem/internal/presence"
	"github.com/manpreetbhatti/tandem/internal/protocol"
)

// Origin tags where a surface change came from.
type Origin int

const (
	// OriginUnknown is reported by surfaces that cannot tell programmatic
	// writes from typing. Such events are absorbed while a programmatic
	// write is in progress.
	OriginUnknown Origin = iota

	// OriginUser marks an edit made by the local user.
	OriginUser

	// OriginRemote marks the echo of a session write. Always dropped.
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Cursor is a caret position plus selection, in rune offsets.
type Cursor struct {
	Position  int
	Selection protocol.Selection
}

// Edit replaces Deleted runes at Offset with Inserted.
type Edit struct {
	Offset   int
	Deleted  int
	Inserted string
}

// ChangeEvent is what a surface reports after its text changed. Edits are
// applied in order, each against the text left by the previous one.
type ChangeEvent struct {
	Origin Origin
	Edits  []Edit
}

// Surface is the editor a session is bound to.
//
// Replace must not report an OriginUser change synchronously; any change
// event it emits while running must be tagged OriginRemote or left
// OriginUnknown.
type Surface interface {
	Text() string
	Replace(text string, origin Origin)
	Cursor() Cursor
	SetCursor(c Cursor)
	presence.Decorator
}
