// Package room holds the relay's retained copy of a room's document.
package room

import (
	"fmt"
	"sync"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
)

// Room is a replica that only merges; it never edits. Safe for concurrent
// use.
type Room struct {
	ID string

	mu      sync.Mutex
	doc     *crdt.Doc
	updates int
}

func New(id string) *Room {
	return &Room{ID: id, doc: crdt.NewDoc(crdt.NewReplicaID())}
}

// Apply merges one encoded update frame.
func (r *Room) Apply(frame []byte) error {
	u, err := codec.Decode(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.Merge(u); err != nil {
		return fmt.Errorf("room %s: %w", r.ID, err)
	}
	r.updates++
	return nil
}

// Load restores the room from a stored snapshot followed by stored update
// frames. Frames that fail to decode are skipped and counted.
func (r *Room) Load(snapshot []byte, updates [][]byte) (skipped int, err error) {
	if snapshot != nil {
		if err := r.Apply(snapshot); err != nil {
			return 0, fmt.Errorf("load snapshot: %w", err)
		}
	}
	for _, frame := range updates {
		if err := r.Apply(frame); err != nil {
			skipped++
		}
	}
	return skipped, nil
}

// FullState encodes everything the room knows. It returns nil for a room
// that has seen nothing.
func (r *Room) FullState() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.doc.Diff(nil)
	if u.Empty() {
		return nil, nil
	}
	return codec.EncodeUpdate(u, codec.CompressionZstd)
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text()
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Len()
}

// Updates reports how many frames were merged since New.
func (r *Room) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}
