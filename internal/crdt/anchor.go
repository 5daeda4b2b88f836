package crdt

// Anchor is a position relative to an item rather than an offset, so it
// stays attached to the same spot while remote edits land elsewhere.
type Anchor struct {
	// Item is the item right of the position; nil anchors to the end.
	Item *ID
}

// Anchor captures the position at rune offset pos. Offsets past the end are
// clamped.
func (d *Doc) Anchor(pos int) Anchor {
	if pos < 0 {
		pos = 0
	}
	if pos >= d.visible {
		return Anchor{}
	}
	id := d.visibleAt(pos).id
	return Anchor{Item: &id}
}

// Resolve converts an anchor back into a rune offset. If the anchored item
// was deleted the position collapses to where it used to be.
func (d *Doc) Resolve(a Anchor) int {
	if a.Item == nil {
		return d.visible
	}
	it := d.find(*a.Item)
	if it == nil {
		return d.visible
	}
	return d.offsetOf(it)
}
