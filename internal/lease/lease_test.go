package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLocalAlwaysAcquires(t *testing.T) {
	var l Lease = Local{}
	for i := 0; i < 3; i++ {
		ok, err := l.TryAcquire(context.Background(), "poll", time.Second)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	tests := map[string]string{
		"":        "payment-poll",
		"genbot":  "genbot:payment-poll",
		"genbot:": "genbot:payment-poll",
	}
	for prefix, want := range tests {
		if got := (&Redis{prefix: prefix}).key("payment-poll"); got != want {
			t.Errorf("prefix %q: key = %q, want %q", prefix, got, want)
		}
	}
}

func TestRedisLeaseIsExclusive(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	first, err := NewRedis(addr, "", 0, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer first.Close()
	second := &Redis{client: first.client, prefix: first.prefix, owner: "other"}

	ctx := context.Background()
	ok, err := first.TryAcquire(ctx, "poll", 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := second.TryAcquire(ctx, "poll", 200*time.Millisecond); ok {
		t.Fatal("second holder acquired a live lease")
	}

	time.Sleep(300 * time.Millisecond)
	if ok, err := second.TryAcquire(ctx, "poll", time.Second); err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}
