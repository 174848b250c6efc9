package health

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestTracker_AllowWithNoState(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, DefaultConfig(), zerolog.Nop())

	if !tracker.Allow(context.Background()) {
		t.Error("Allow should be true with no recorded failures")
	}
}

func TestTracker_ClosesAfterBudgetExhausted(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, Config{ErrorBudget: 3, Window: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tracker.RecordFailure(ctx)
	}
	if !tracker.Allow(ctx) {
		t.Error("Allow should be true below the budget")
	}

	tracker.RecordFailure(ctx)
	if tracker.Allow(ctx) {
		t.Error("Allow should be false once the budget is exhausted")
	}
}

func TestTracker_WindowExpiry(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, Config{ErrorBudget: 1, Window: 100 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	tracker.RecordFailure(ctx)
	if tracker.Allow(ctx) {
		t.Error("Allow should be false inside the window")
	}

	time.Sleep(200 * time.Millisecond)

	if !tracker.Allow(ctx) {
		t.Error("Allow should recover after the window expires")
	}
}

func TestTracker_FailsOpenOnDeadBackend(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	tracker := NewTracker(client, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !tracker.Allow(ctx) {
		t.Error("Allow should fail open when health state is unreadable")
	}
}
