package redisbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/transport"
)

func setupTestBus(t *testing.T) *Bus {
	t.Helper()
	addr := os.Getenv("TANDEM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TANDEM_TEST_REDIS_ADDR not set")
	}
	b := New(Options{Addr: addr, Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishBeforeConnect(t *testing.T) {
	b := New(Options{Addr: "127.0.0.1:1", Logger: zerolog.Nop()})
	defer b.Close()
	err := b.Publish(context.Background(), "room/x", "hi")
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := setupTestBus(t)
	topic := "tandem-test/" + time.Now().Format("150405.000000000")

	got := make(chan string, 1)
	sub, err := b.Subscribe(topic, func(p string) {
		select {
		case got <- p:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// Subscription is confirmed asynchronously; retry until it lands.
	deadline := time.After(5 * time.Second)
	for {
		if err := b.Publish(context.Background(), topic, "hello"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
		select {
		case p := <-got:
			if p != "hello" {
				t.Errorf("Expected 'hello', got %q", p)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("Timed out waiting for message")
		}
	}
}
