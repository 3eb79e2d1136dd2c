package segment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalSequencer_Next(t *testing.T) {
	gen := NewLocal()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := gen.Next(ctx, "int-123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	// Independent per interaction
	got, _ := gen.Next(ctx, "int-456")
	if got != 1 {
		t.Errorf("expected 1 for a new interaction, got %d", got)
	}
}

func TestLocalSequencer_Forget(t *testing.T) {
	gen := NewLocal()
	ctx := context.Background()

	_, _ = gen.Next(ctx, "int-1")
	_, _ = gen.Next(ctx, "int-1")
	gen.Forget(ctx, "int-1")

	got, _ := gen.Next(ctx, "int-1")
	if got != 1 {
		t.Errorf("expected counter restart after Forget, got %d", got)
	}
}

func TestLocalSequencer_ExpiresIdleCounters(t *testing.T) {
	gen := NewLocalWithTTL(time.Minute)
	now := time.Unix(1000, 0)
	gen.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = gen.Next(ctx, "abandoned")
	_, _ = gen.Next(ctx, "abandoned")
	_, _ = gen.Next(ctx, "active")

	now = now.Add(40 * time.Second)
	if got, _ := gen.Next(ctx, "active"); got != 2 {
		t.Errorf("expected active counter to continue, got %d", got)
	}

	now = now.Add(30 * time.Second)
	_, _ = gen.Next(ctx, "active")
	if gen.Len() != 1 {
		t.Errorf("expected the abandoned counter to be pruned, have %d counters", gen.Len())
	}
	if got, _ := gen.Next(ctx, "abandoned"); got != 1 {
		t.Errorf("expected an expired counter to restart at 1, got %d", got)
	}
}

func TestLocalSequencer_ThreadSafety(t *testing.T) {
	gen := NewLocal()
	numGoroutines := 100
	resultsPerGoroutine := 10

	var wg sync.WaitGroup
	results := make(chan int64, numGoroutines*resultsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < resultsPerGoroutine; j++ {
				n, _ := gen.Next(context.Background(), "int-concurrent")
				results <- n
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		if seen[n] {
			t.Errorf("duplicate sequence number generated: %d", n)
		}
		seen[n] = true
	}

	expectedCount := numGoroutines * resultsPerGoroutine
	if len(seen) != expectedCount {
		t.Errorf("expected %d unique numbers, got %d", expectedCount, len(seen))
	}
}

func TestRedisSequencer_Next(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	gen := NewRedis(client, "test:", time.Hour)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := gen.Next(ctx, "call-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	if ttl := mr.TTL("test:seq:transcript:call-1"); ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", ttl)
	}

	// A second worker sharing Redis continues the same sequence.
	other := NewRedis(client, "test:", time.Hour)
	got, _ := other.Next(ctx, "call-1")
	if got != 4 {
		t.Errorf("expected shared counter to continue at 4, got %d", got)
	}

	gen.Forget(ctx, "call-1")
	if mr.Exists("test:seq:transcript:call-1") {
		t.Error("expected key removed after Forget")
	}
}

func TestRedisSequencer_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	gen := NewRedis(client, "", 0)
	if _, err := gen.Next(context.Background(), "call-1"); err == nil {
		t.Error("expected error with server down")
	}
}
