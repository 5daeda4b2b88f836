package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/crdt"
	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/protocol"
)

const (
	docTopic    = "room/r1"
	cursorTopic = "room/r1/cursors"
)

func setupHub(t *testing.T, store db.Store) (*Hub, string, context.CancelFunc) {
	t.Helper()
	hub := NewHub(store, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, url string) *testConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &testConn{t: t, ws: ws}
}

func (c *testConn) send(op protocol.RelayOp, topic, payload string) {
	c.t.Helper()
	b, _ := json.Marshal(protocol.RelayFrame{Op: op, Topic: topic, Payload: payload})
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

func (c *testConn) expect() protocol.RelayFrame {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("Expected a frame: %v", err)
	}
	f, err := protocol.ParseRelayFrame(data)
	if err != nil {
		c.t.Fatalf("Bad frame %s: %v", data, err)
	}
	if f.Op != protocol.RelayOpMessage {
		c.t.Fatalf("Expected msg frame, got %s", f.Op)
	}
	return f
}

// expectNone must be the last read on c: gorilla/websocket treats a
// read deadline expiry as fatal for the connection.
func (c *testConn) expectNone(wait time.Duration) {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := c.ws.ReadMessage(); err == nil {
		c.t.Fatalf("Expected no frame, got %s", data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *Hub) subscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func subscribe(t *testing.T, hub *Hub, topic string, conns ...*testConn) {
	t.Helper()
	for _, c := range conns {
		c.send(protocol.RelayOpSubscribe, topic, "")
	}
	waitFor(t, "subscriptions", func() bool { return hub.subscriberCount(topic) == len(conns) })
}

func updatePayload(t *testing.T, sender, text string) string {
	t.Helper()
	doc := crdt.NewDoc(42)
	if _, err := doc.Insert(0, text); err != nil {
		t.Fatalf("insert: %v", err)
	}
	frame, err := codec.EncodeFull(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, err := protocol.CodeUpdate(sender, codec.EncodeText(frame))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return payload
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.GetClientCount() != 0 || hub.GetRoomCount() != 0 {
		t.Error("New hub should be empty")
	}
	if len(hub.GetActiveRooms()) != 0 {
		t.Error("New hub should have no active rooms")
	}
}

func TestPublishReachesOtherSubscribers(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, cursorTopic, a, b)

	cursor := `{"userId":"ann","position":3,"selection":{"start":3,"end":3},"timestamp":1}`
	a.send(protocol.RelayOpPublish, cursorTopic, cursor)

	got := b.expect()
	if got.Topic != cursorTopic || got.Payload != cursor {
		t.Errorf("Unexpected frame %+v", got)
	}
	a.expectNone(100 * time.Millisecond)
}

func TestTopicsAreIsolated(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, cursorTopic, a)
	subscribe(t, hub, "room/other/cursors", b)

	a.send(protocol.RelayOpPublish, cursorTopic, `{"userId":"ann","timestamp":1}`)
	b.expectNone(100 * time.Millisecond)
}

func TestNewSubscriberReceivesRoomState(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a := dial(t, url)
	subscribe(t, hub, docTopic, a)

	a.send(protocol.RelayOpPublish, docTopic, updatePayload(t, "ann", "hello"))
	waitFor(t, "retained text", func() bool {
		r, err := hub.Document(context.Background(), "r1")
		return err == nil && r.Text() == "hello"
	})

	c := dial(t, url)
	c.send(protocol.RelayOpSubscribe, docTopic, "")
	got := c.expect()

	env, err := protocol.ParseEnvelope(got.Payload)
	if err != nil {
		t.Fatalf("Bad envelope: %v", err)
	}
	if env.Type != protocol.MessageTypeCodeUpdate || env.Sender != RelaySender {
		t.Fatalf("Expected CODE_UPDATE from relay, got %s from %s", env.Type, env.Sender)
	}
	var cu protocol.CodeUpdateContent
	if err := env.Decode(&cu); err != nil {
		t.Fatalf("decode: %v", err)
	}
	frame, err := codec.DecodeText(cu.Code)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	u, err := codec.Decode(frame)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	doc := crdt.NewDoc(7)
	if err := doc.Merge(u); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if doc.Text() != "hello" {
		t.Errorf("Expected %q, got %q", "hello", doc.Text())
	}
}

func TestEmptyRoomSendsNoState(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a := dial(t, url)
	subscribe(t, hub, docTopic, a)
	a.expectNone(100 * time.Millisecond)
}

func TestDroppedClientAnnouncesLeave(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, docTopic, a, b)

	join, _ := protocol.Join("ann", protocol.JoinContent{UserID: "ann", Username: "Ann"})
	a.send(protocol.RelayOpPublish, docTopic, join)
	if env, _ := protocol.ParseEnvelope(b.expect().Payload); env.Type != protocol.MessageTypeJoin {
		t.Fatalf("Expected JOIN, got %s", env.Type)
	}

	a.ws.Close()

	env, err := protocol.ParseEnvelope(b.expect().Payload)
	if err != nil {
		t.Fatalf("Bad envelope: %v", err)
	}
	var lc protocol.LeaveContent
	if err := env.Decode(&lc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != protocol.MessageTypeLeave || lc.UserID != "ann" {
		t.Errorf("Expected LEAVE for ann, got %s %+v", env.Type, lc)
	}
}

func TestExplicitLeaveIsNotRepeated(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, docTopic, a, b)

	join, _ := protocol.Join("ann", protocol.JoinContent{UserID: "ann"})
	leave, _ := protocol.Leave("ann")
	a.send(protocol.RelayOpPublish, docTopic, join)
	a.send(protocol.RelayOpPublish, docTopic, leave)
	b.expect()
	b.expect()

	a.ws.Close()
	waitFor(t, "disconnect", func() bool { return hub.GetClientCount() == 1 })
	b.expectNone(100 * time.Millisecond)
}

func TestMalformedUpdateNotForwarded(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, docTopic, a, b)

	bad, _ := protocol.CodeUpdate("ann", "YWJjZA=")
	a.send(protocol.RelayOpPublish, docTopic, bad)
	a.send(protocol.RelayOpPublish, docTopic, "{not json")

	// Frames are relayed in order, so the JOIN arriving first shows both
	// bad frames were dropped and the sender is still connected.
	join, _ := protocol.Join("ann", protocol.JoinContent{UserID: "ann"})
	a.send(protocol.RelayOpPublish, docTopic, join)
	env, err := protocol.ParseEnvelope(b.expect().Payload)
	if err != nil {
		t.Fatalf("Bad envelope: %v", err)
	}
	if env.Type != protocol.MessageTypeJoin {
		t.Errorf("Expected the JOIN first, got %s", env.Type)
	}
}

func TestUpdatesPersistAcrossHubs(t *testing.T) {
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	hub, url, _ := setupHub(t, store)
	a := dial(t, url)
	subscribe(t, hub, docTopic, a)
	a.send(protocol.RelayOpPublish, docTopic, updatePayload(t, "ann", "saved"))
	waitFor(t, "stored update", func() bool {
		n, err := store.GetUpdateCount(ctx, "r1")
		return err == nil && n == 1
	})

	fresh := NewHub(store, zerolog.Nop())
	r, err := fresh.Document(ctx, "r1")
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if r.Text() != "saved" {
		t.Errorf("Expected reloaded text %q, got %q", "saved", r.Text())
	}
}

func TestCursorMessagesNotStored(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, cursorTopic, a, b)

	a.send(protocol.RelayOpPublish, cursorTopic, `{"userId":"ann","timestamp":1}`)
	b.expect()

	r, err := hub.Document(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if r.Updates() != 0 {
		t.Errorf("Expected no document updates, got %d", r.Updates())
	}
}

func TestActiveRoomsAndCounts(t *testing.T) {
	hub, url, _ := setupHub(t, nil)
	a, b := dial(t, url), dial(t, url)
	subscribe(t, hub, docTopic, a, b)
	subscribe(t, hub, "room/r2", a)

	if n := hub.GetClientCount(); n != 2 {
		t.Errorf("Expected 2 clients, got %d", n)
	}
	active := hub.GetActiveRooms()
	if active["r1"] != 2 || active["r2"] != 1 {
		t.Errorf("Unexpected active rooms %v", active)
	}
	if hub.GetRoomCount() != 2 {
		t.Errorf("Expected 2 rooms, got %d", hub.GetRoomCount())
	}

	a.send(protocol.RelayOpUnsubscribe, "room/r2", "")
	waitFor(t, "unsubscribe", func() bool { return hub.GetRoomCount() == 1 })
}

func TestRunStopDisconnectsClients(t *testing.T) {
	hub, url, cancel := setupHub(t, nil)
	a := dial(t, url)
	subscribe(t, hub, docTopic, a)

	cancel()

	a.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := a.ws.ReadMessage(); err == nil {
		t.Error("Expected the connection to close when the hub stops")
	}
}
