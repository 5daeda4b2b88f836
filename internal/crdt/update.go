package crdt

import (
	"fmt"
	"unicode/utf8"
)

// ItemRecord is the wire form of a run of items authored by one replica.
// The run covers clocks ID.Clock .. ID.Clock+runes-1; every rune after the
// first has the previous rune as its origin and shares RightOrigin.
type ItemRecord struct {
	_           struct{} `cbor:",toarray"`
	ID          ID
	Origin      *ID
	RightOrigin *ID
	Content     string
}

// Update is a replica-independent increment of document state: items the
// receiver may not have plus the complete delete set.
type Update struct {
	Items   []ItemRecord `cbor:"1,keyasint,omitempty"`
	Deletes DeleteSet    `cbor:"2,keyasint,omitempty"`
}

func (u Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// Validate checks structural well-formedness without consulting a document.
func (u Update) Validate() error {
	for i, rec := range u.Items {
		if rec.Content == "" {
			return fmt.Errorf("item %d (%s): empty content", i, rec.ID)
		}
		if !utf8.ValidString(rec.Content) {
			return fmt.Errorf("item %d (%s): content is not valid UTF-8", i, rec.ID)
		}
		if rec.Origin != nil && rec.Origin.Replica == rec.ID.Replica && rec.Origin.Clock >= rec.ID.Clock {
			return fmt.Errorf("item %d (%s): origin %s is not causally earlier", i, rec.ID, rec.Origin)
		}
	}
	for replica, ranges := range u.Deletes {
		for _, r := range ranges {
			if r.Len == 0 {
				return fmt.Errorf("delete set for replica %d: empty range at %d", replica, r.Start)
			}
		}
	}
	return nil
}

// expand turns runs into one record per rune.
func (u Update) expand() []ItemRecord {
	var out []ItemRecord
	for _, rec := range u.Items {
		id := rec.ID
		origin := rec.Origin
		for _, r := range rec.Content {
			cur := id
			out = append(out, ItemRecord{ID: cur, Origin: origin, RightOrigin: rec.RightOrigin, Content: string(r)})
			origin = &cur
			id.Clock++
		}
	}
	return out
}

// MergeUpdates combines several updates into one. Duplicate items are kept
// once; the result merges into a document exactly like applying each input.
func MergeUpdates(updates ...Update) Update {
	seen := make(map[ID]bool)
	out := Update{Deletes: DeleteSet{}}
	for _, u := range updates {
		for _, rec := range u.expand() {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			out.Items = append(out.Items, rec)
		}
		out.Deletes.Merge(u.Deletes)
	}
	out.Items = compactRuns(out.Items)
	return out
}

// compactRuns groups single-rune records into runs where possible.
func compactRuns(records []ItemRecord) []ItemRecord {
	var out []ItemRecord
	for _, rec := range records {
		if n := len(out); n > 0 {
			last := &out[n-1]
			runes := uint64(utf8.RuneCountInString(last.Content))
			prev := NewID(last.ID.Replica, last.ID.Clock+runes-1)
			if rec.ID.Replica == last.ID.Replica &&
				rec.ID.Clock == last.ID.Clock+runes &&
				sameID(rec.Origin, &prev) &&
				sameID(rec.RightOrigin, last.RightOrigin) {
				last.Content += rec.Content
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}
