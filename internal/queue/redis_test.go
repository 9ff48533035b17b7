package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisBroker connects to REDIS_URL and skips the test when it is not set
func redisBroker(t *testing.T) (*RedisBroker, *time.Time) {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b := NewRedisBroker(client, "test-"+uuid.NewString()).WithVisibility(time.Minute)
	b.now = func() time.Time { return now }
	b.poll = 100 * time.Millisecond
	t.Cleanup(func() {
		client.Del(context.Background(), b.key, b.processing, b.leases, b.delayed)
	})
	return b, &now
}

func TestRedisBrokerRedeliversUnackedMessage(t *testing.T) {
	b, now := redisBroker(t)
	ctx := context.Background()

	if err := Publish(ctx, b, "ping", "k", ping{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	first, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	// consumer dies without acking; nothing is requeued before the lease runs out
	if n, err := b.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("Recover() inside lease = %d, %v, want 0", n, err)
	}
	*now = now.Add(2 * time.Minute)
	if n, err := b.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("Recover() after lease = %d, %v, want 1", n, err)
	}

	again, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() after recover error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("redelivered %s, want %s", again.ID, first.ID)
	}
	if err := b.Ack(ctx, again); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.client.LLen(ctx, b.processing).Result(); n != 0 {
		t.Errorf("processing list holds %d after ack, want 0", n)
	}
}

func TestRedisBrokerPromotesDueRetries(t *testing.T) {
	b, now := redisBroker(t)
	ctx := context.Background()

	msg, _ := NewMessage("ping", "k", ping{Name: "a"})
	msg.Attempts = 1
	if err := b.PublishAt(ctx, msg, now.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Recover(ctx); n != 0 {
		t.Fatalf("Recover() before due = %d, want 0", n)
	}
	*now = now.Add(31 * time.Second)
	if n, _ := b.Recover(ctx); n != 1 {
		t.Fatalf("Recover() after due = %d, want 1", n)
	}

	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID || got.Attempts != 1 {
		t.Errorf("Receive() = %s attempt %d, want %s attempt 1", got.ID, got.Attempts, msg.ID)
	}
}
