package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements the two commands the filter uses over a map.
// Any other Cmdable method panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestFilter_ClaimOnce(t *testing.T) {
	rdb := newFakeRedis()
	f := NewFilter(rdb, time.Hour)
	ctx := context.Background()

	first, err := f.Claim(ctx, "msg-1")
	if err != nil || !first {
		t.Fatalf("first Claim() = %v, %v; want true, nil", first, err)
	}
	second, err := f.Claim(ctx, "msg-1")
	if err != nil || second {
		t.Fatalf("second Claim() = %v, %v; want false, nil", second, err)
	}
	if ttl := rdb.keys[Key("msg-1")]; ttl != time.Hour {
		t.Errorf("stored TTL = %v, want 1h", ttl)
	}
}

func TestFilter_ReleaseAllowsReclaim(t *testing.T) {
	f := NewFilter(newFakeRedis(), time.Hour)
	ctx := context.Background()

	if _, err := f.Claim(ctx, "msg-2"); err != nil {
		t.Fatal(err)
	}
	if err := f.Release(ctx, "msg-2"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := f.Claim(ctx, "msg-2")
	if err != nil || !again {
		t.Fatalf("Claim() after Release = %v, %v; want true, nil", again, err)
	}
}

func TestFilter_ConcurrentClaims(t *testing.T) {
	f := NewFilter(newFakeRedis(), time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.Claim(ctx, "same")
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestFilter_RedisError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	f := NewFilter(rdb, 0)

	if _, err := f.Claim(context.Background(), "x"); err == nil {
		t.Error("expected Claim error")
	}
	if err := f.Release(context.Background(), "x"); err == nil {
		t.Error("expected Release error")
	}
	if f.TTL() != DefaultTTL {
		t.Errorf("TTL = %v, want default %v", f.TTL(), DefaultTTL)
	}
}

func TestKey(t *testing.T) {
	if got := Key("abc"); got != "leafmail:ingest:abc" {
		t.Errorf("Key() = %q", got)
	}
}
