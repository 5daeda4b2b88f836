package crdt

// maxBlockItems bounds a block before it splits in two. Offset lookups walk
// block summaries first and only scan items inside the target block.
const maxBlockItems = 64

type block struct {
	items   []*item
	visible int
}

func (b *block) indexOf(it *item) int {
	for i, other := range b.items {
		if other == it {
			return i
		}
	}
	return -1
}

func (b *block) insertAt(i int, it *item) {
	b.items = append(b.items, nil)
	copy(b.items[i+1:], b.items[i:])
	b.items[i] = it
	it.blk = b
	if !it.deleted {
		b.visible++
	}
}

// link splices it into the sequence directly after left (nil means the
// start of the document) and into the block index.
func (d *Doc) link(it, left *item) {
	right := d.head
	if left != nil {
		right = left.next
	}
	it.prev, it.next = left, right
	if left != nil {
		left.next = it
	} else {
		d.head = it
	}
	if right != nil {
		right.prev = it
	}

	var blk *block
	if left == nil {
		if len(d.blocks) == 0 {
			d.blocks = append(d.blocks, &block{})
		}
		blk = d.blocks[0]
		blk.insertAt(0, it)
	} else {
		blk = left.blk
		blk.insertAt(blk.indexOf(left)+1, it)
	}
	if !it.deleted {
		d.visible++
	}
	if len(blk.items) > maxBlockItems {
		d.split(blk)
	}
}

func (d *Doc) split(blk *block) {
	at := -1
	for i, b := range d.blocks {
		if b == blk {
			at = i
			break
		}
	}
	half := len(blk.items) / 2
	tail := &block{items: append([]*item(nil), blk.items[half:]...)}
	blk.items = blk.items[:half:half]
	for _, it := range tail.items {
		it.blk = tail
		if !it.deleted {
			tail.visible++
		}
	}
	blk.visible -= tail.visible

	d.blocks = append(d.blocks, nil)
	copy(d.blocks[at+2:], d.blocks[at+1:])
	d.blocks[at+1] = tail
}
