// Package crdt implements the replicated text structure: a YATA-ordered
// sequence of single-rune items with tombstones, exchanged as state-vector
// deltas.
//
// Tombstones are never collected. Compacting them safely needs every replica
// to have observed the deletions (a causal-stability cutoff); Doc.Tombstones
// reports the growth so a future collector has a place to hook in.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrOutOfRange is returned for local edits outside the visible text.
	ErrOutOfRange = errors.New("crdt: position out of range")

	// ErrMergeImpossible means an update contradicts state already
	// integrated. Merge is total for well-formed input, so this always
	// indicates an identifier or codec bug and the document should be
	// abandoned.
	ErrMergeImpossible = errors.New("crdt: merge impossible")
)

type item struct {
	id          ID
	origin      *ID
	rightOrigin *ID
	r           rune
	deleted     bool

	prev, next *item
	blk        *block
}

func (it *item) record() ItemRecord {
	return ItemRecord{ID: it.id, Origin: it.origin, RightOrigin: it.rightOrigin, Content: string(it.r)}
}

// Doc is one replica of a shared text. It is not safe for concurrent use;
// the owner serializes local edits and merges.
type Doc struct {
	replica uint64

	head   *item
	blocks []*block

	// byReplica[r][c] is the item with clock c from replica r.
	byReplica map[uint64][]*item
	deletes   DeleteSet
	pending   map[ID]ItemRecord

	visible    int
	tombstones int
}

func NewDoc(replica uint64) *Doc {
	return &Doc{
		replica:   replica,
		byReplica: make(map[uint64][]*item),
		deletes:   DeleteSet{},
		pending:   make(map[ID]ItemRecord),
	}
}

func (d *Doc) Replica() uint64 { return d.replica }

// Len returns the number of visible runes.
func (d *Doc) Len() int { return d.visible }

// Tombstones returns how many deleted items are retained.
func (d *Doc) Tombstones() int { return d.tombstones }

// Pending returns how many received items still wait for dependencies.
func (d *Doc) Pending() int { return len(d.pending) }

// Text returns the visible document. Blocks holding only tombstones are
// skipped without visiting their items.
func (d *Doc) Text() string {
	var b strings.Builder
	b.Grow(d.visible)
	for _, blk := range d.blocks {
		if blk.visible == 0 {
			continue
		}
		for _, it := range blk.items {
			if !it.deleted {
				b.WriteRune(it.r)
			}
		}
	}
	return b.String()
}

func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.byReplica))
	for replica, items := range d.byReplica {
		sv[replica] = uint64(len(items))
	}
	return sv
}

func (d *Doc) find(id ID) *item {
	items := d.byReplica[id.Replica]
	if id.Clock >= uint64(len(items)) {
		return nil
	}
	return items[id.Clock]
}

func (d *Doc) known(id *ID) bool {
	return id == nil || d.find(*id) != nil
}

// Insert places text at rune offset pos and returns the new item ids.
func (d *Doc) Insert(pos int, text string) ([]ID, error) {
	if pos < 0 || pos > d.visible {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, d.visible)
	}
	if text == "" {
		return nil, nil
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("crdt: insert text is not valid UTF-8")
	}

	var left *item
	if pos > 0 {
		left = d.visibleAt(pos - 1)
	}
	right := d.head
	if left != nil {
		right = left.next
	}
	var rightOrigin *ID
	if right != nil {
		rid := right.id
		rightOrigin = &rid
	}

	ids := make([]ID, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		it := &item{
			id:          NewID(d.replica, uint64(len(d.byReplica[d.replica]))),
			rightOrigin: rightOrigin,
			r:           r,
		}
		if left != nil {
			lid := left.id
			it.origin = &lid
		}
		d.link(it, left)
		d.byReplica[d.replica] = append(d.byReplica[d.replica], it)
		ids = append(ids, it.id)
		left = it
	}
	return ids, nil
}

// Delete tombstones the length visible runes starting at pos and returns
// their ids. Items inserted concurrently inside the range are untouched.
func (d *Doc) Delete(pos, length int) ([]ID, error) {
	if pos < 0 || length < 0 || pos+length > d.visible {
		return nil, fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, pos, pos+length, d.visible)
	}
	if length == 0 {
		return nil, nil
	}
	ids := make([]ID, 0, length)
	for it := d.visibleAt(pos); it != nil && len(ids) < length; it = it.next {
		if it.deleted {
			continue
		}
		ids = append(ids, it.id)
	}
	for _, id := range ids {
		d.deletes.Add(id)
		d.tombstone(d.find(id))
	}
	return ids, nil
}

func (d *Doc) tombstone(it *item) {
	if it == nil || it.deleted {
		return
	}
	it.deleted = true
	it.blk.visible--
	d.visible--
	d.tombstones++
}

// Merge integrates an update. Items whose origins or predecessors are not
// known yet are parked and retried on later merges. Applying the same update
// twice is a no-op.
func (d *Doc) Merge(u Update) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeImpossible, err)
	}
	for _, rec := range u.expand() {
		if existing := d.find(rec.ID); existing != nil {
			if string(existing.r) != rec.Content {
				return fmt.Errorf("%w: item %s already holds %q, update carries %q",
					ErrMergeImpossible, rec.ID, string(existing.r), rec.Content)
			}
			continue
		}
		d.pending[rec.ID] = rec
	}

	d.integratePending()

	d.deletes.Merge(u.Deletes)
	for replica, ranges := range u.Deletes {
		items := d.byReplica[replica]
		for _, r := range ranges {
			for c := r.Start; c < r.end() && c < uint64(len(items)); c++ {
				d.tombstone(items[c])
			}
		}
	}
	return nil
}

func (d *Doc) integratePending() {
	if len(d.pending) == 0 {
		return
	}
	queue := make([]ItemRecord, 0, len(d.pending))
	for _, rec := range d.pending {
		queue = append(queue, rec)
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].ID.Clock != queue[j].ID.Clock {
			return queue[i].ID.Clock < queue[j].ID.Clock
		}
		return queue[i].ID.Replica < queue[j].ID.Replica
	})

	for progress := true; progress; {
		progress = false
		rest := queue[:0]
		for _, rec := range queue {
			if d.ready(rec) {
				d.integrate(rec)
				delete(d.pending, rec.ID)
				progress = true
				continue
			}
			rest = append(rest, rec)
		}
		queue = rest
	}
}

func (d *Doc) ready(rec ItemRecord) bool {
	return rec.ID.Clock == uint64(len(d.byReplica[rec.ID.Replica])) &&
		d.known(rec.Origin) && d.known(rec.RightOrigin)
}

// integrate places a remote item using the YATA rule: scan the items between
// the left and right origin, and order concurrent inserts sharing an origin
// by replica id, skipping over subtrees anchored inside the scanned region.
func (d *Doc) integrate(rec ItemRecord) {
	r, _ := utf8.DecodeRuneInString(rec.Content)
	it := &item{id: rec.ID, origin: rec.Origin, rightOrigin: rec.RightOrigin, r: r}

	var left, right *item
	if it.origin != nil {
		left = d.find(*it.origin)
	}
	if it.rightOrigin != nil {
		right = d.find(*it.rightOrigin)
	}

	o := d.head
	if left != nil {
		o = left.next
	}
	if o != right {
		conflicting := make(map[*item]bool)
		before := make(map[*item]bool)
		for ; o != nil && o != right; o = o.next {
			before[o] = true
			conflicting[o] = true
			if sameID(it.origin, o.origin) {
				if o.id.Replica < it.id.Replica {
					left = o
					clear(conflicting)
				} else if sameID(it.rightOrigin, o.rightOrigin) {
					break
				}
				continue
			}
			if o.origin != nil {
				if oo := d.find(*o.origin); before[oo] {
					if !conflicting[oo] {
						left = o
						clear(conflicting)
					}
					continue
				}
			}
			break
		}
	}

	d.link(it, left)
	d.byReplica[it.id.Replica] = append(d.byReplica[it.id.Replica], it)
	if d.deletes.Contains(it.id) {
		d.tombstone(it)
	}
}

// Diff returns every item not covered by sv, plus the full delete set. A nil
// sv yields the complete state.
func (d *Doc) Diff(sv StateVector) Update {
	replicas := make([]uint64, 0, len(d.byReplica))
	for replica := range d.byReplica {
		replicas = append(replicas, replica)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })

	var records []ItemRecord
	for _, replica := range replicas {
		items := d.byReplica[replica]
		for c := sv[replica]; c < uint64(len(items)); c++ {
			records = append(records, items[c].record())
		}
	}

	pending := make([]ItemRecord, 0, len(d.pending))
	for _, rec := range d.pending {
		if !sv.Covers(rec.ID) {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ID.Replica != pending[j].ID.Replica {
			return pending[i].ID.Replica < pending[j].ID.Replica
		}
		return pending[i].ID.Clock < pending[j].ID.Clock
	})
	records = append(records, pending...)

	return Update{Items: compactRuns(records), Deletes: d.deletes.Clone()}
}

// visibleAt returns the visible item at rune offset pos.
func (d *Doc) visibleAt(pos int) *item {
	for _, blk := range d.blocks {
		if pos >= blk.visible {
			pos -= blk.visible
			continue
		}
		for _, it := range blk.items {
			if it.deleted {
				continue
			}
			if pos == 0 {
				return it
			}
			pos--
		}
	}
	return nil
}

// offsetOf returns the number of visible items before it.
func (d *Doc) offsetOf(it *item) int {
	n := 0
	for _, blk := range d.blocks {
		if blk != it.blk {
			n += blk.visible
			continue
		}
		for _, other := range blk.items {
			if other == it {
				return n
			}
			if !other.deleted {
				n++
			}
		}
	}
	return n
}
