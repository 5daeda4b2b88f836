package compaction

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
	"github.com/manpreetbhatti/tandem/internal/db"
)

func setupTestDB(t *testing.T) db.Store {
	t.Helper()
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// typeText stores one delta per rune, like a session flushing keystrokes.
func typeText(t *testing.T, store db.Store, roomID string, doc *crdt.Doc, text string) {
	t.Helper()
	ctx := context.Background()
	for _, r := range text {
		since := doc.StateVector()
		if _, err := doc.Insert(doc.Len(), string(r)); err != nil {
			t.Fatalf("insert: %v", err)
		}
		frame, err := codec.EncodeDelta(doc, since)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := store.SaveUpdate(ctx, roomID, frame); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
}

func loadText(t *testing.T, store db.Store, roomID string) string {
	t.Helper()
	ctx := context.Background()
	doc := crdt.NewDoc(99)
	snapshot, _, err := store.GetSnapshot(ctx, roomID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	frames := [][]byte{}
	if snapshot != nil {
		frames = append(frames, snapshot)
	}
	updates, err := store.GetAllUpdates(ctx, roomID)
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	for _, u := range updates {
		frames = append(frames, u.Data)
	}
	for _, f := range frames {
		u, err := codec.Decode(f)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := doc.Merge(u); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	return doc.Text()
}

func TestCompactRoomFoldsUpdates(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	svc := New(store, Config{UpdateThreshold: 5}, zerolog.Nop())

	author := crdt.NewDoc(1)
	typeText(t, store, "r1", author, "hello")
	if _, err := author.Delete(0, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	frame, _ := codec.EncodeDelta(author, author.StateVector())
	if err := store.SaveUpdate(ctx, "r1", frame); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := svc.CompactNow(ctx, "r1")
	if err != nil {
		t.Fatalf("CompactNow: %v", err)
	}
	if res.Folded != 6 || res.Skipped != 0 {
		t.Errorf("Expected 6 folded updates, got %+v", res)
	}
	if res.Text != "ello" {
		t.Errorf("Expected %q, got %q", "ello", res.Text)
	}

	n, _ := store.GetUpdateCount(ctx, "r1")
	if n != 0 {
		t.Errorf("Expected folded updates to be deleted, %d left", n)
	}
	_, covered, _ := store.GetSnapshot(ctx, "r1")
	if covered != 6 {
		t.Errorf("Expected snapshot to cover 6 updates, got %d", covered)
	}
	if got := loadText(t, store, "r1"); got != "ello" {
		t.Errorf("Expected reload to give %q, got %q", "ello", got)
	}
}

func TestCompactionBuildsOnPreviousSnapshot(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	svc := New(store, Config{UpdateThreshold: 1}, zerolog.Nop())

	author := crdt.NewDoc(1)
	typeText(t, store, "r1", author, "ab")
	if _, err := svc.CompactNow(ctx, "r1"); err != nil {
		t.Fatalf("first compaction: %v", err)
	}
	typeText(t, store, "r1", author, "cd")
	res, err := svc.CompactNow(ctx, "r1")
	if err != nil {
		t.Fatalf("second compaction: %v", err)
	}
	if res.Text != "abcd" {
		t.Errorf("Expected %q, got %q", "abcd", res.Text)
	}
	_, covered, _ := store.GetSnapshot(ctx, "r1")
	if covered != 4 {
		t.Errorf("Expected snapshot to cover 4 updates, got %d", covered)
	}
}

func TestCompactAllRespectsThreshold(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	svc := New(store, Config{UpdateThreshold: 3}, zerolog.Nop())

	typeText(t, store, "busy", crdt.NewDoc(1), "abcd")
	typeText(t, store, "quiet", crdt.NewDoc(2), "x")

	if n := svc.CompactAll(ctx); n != 1 {
		t.Errorf("Expected 1 compacted room, got %d", n)
	}
	if n, _ := store.GetUpdateCount(ctx, "quiet"); n != 1 {
		t.Errorf("Room under threshold should be untouched, has %d updates", n)
	}
	if snap, _, _ := store.GetSnapshot(ctx, "quiet"); snap != nil {
		t.Error("Room under threshold should have no snapshot")
	}
	if got := loadText(t, store, "busy"); got != "abcd" {
		t.Errorf("Expected %q, got %q", "abcd", got)
	}
}

func TestCompactionDropsCorruptUpdates(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	svc := New(store, Config{UpdateThreshold: 1}, zerolog.Nop())

	typeText(t, store, "r1", crdt.NewDoc(1), "ok")
	if err := store.SaveUpdate(ctx, "r1", []byte("garbage")); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := svc.CompactNow(ctx, "r1")
	if err != nil {
		t.Fatalf("CompactNow: %v", err)
	}
	if res.Folded != 2 || res.Skipped != 1 {
		t.Errorf("Expected 2 folded and 1 skipped, got %+v", res)
	}
	if got := loadText(t, store, "r1"); got != "ok" {
		t.Errorf("Expected %q, got %q", "ok", got)
	}
}

func TestStartStop(t *testing.T) {
	store := setupTestDB(t)
	svc := New(store, Config{}, zerolog.Nop())
	svc.Start()
	svc.Stop()

	if svc.config.Interval != DefaultConfig().Interval || svc.config.UpdateThreshold != DefaultConfig().UpdateThreshold {
		t.Errorf("Expected defaults, got %+v", svc.config)
	}
}
