package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCandidates are probed in order when REDIS_ADDR is unset: the compose service name used
// in CI, a default local port, then the test profile port.
var redisCandidates = []string{"redis:6379", "localhost:6379", "localhost:56379"}

// SetupTestRedis returns a client on a flushed, reserved logical database. Tests are skipped
// when no Redis answers unless TEST_REQUIRE_REDIS is set.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	addr, ok := findRedis()
	if !ok {
		if envFlag("TEST_REQUIRE_REDIS") || envFlag("TEST_REQUIRE_INFRA") {
			t.Fatal("redis not available for testing")
		}
		t.Skip("redis not available for testing")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: reserveRedisDB(t, addr)})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis test db: %v", err)
	}
	return client
}

func findRedis() (string, bool) {
	candidates := redisCandidates
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		candidates = []string{addr}
	}
	for _, addr := range candidates {
		if pingRedis(addr) {
			return addr, true
		}
	}
	return "", false
}

func pingRedis(addr string) bool {
	c := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: time.Second})
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx).Err() == nil
}

// reserveRedisDB picks a logical database so parallel packages do not flush each other.
// Reservations live in DB 0, which tests never flush. TEST_REDIS_DB pins the choice.
func reserveRedisDB(t testing.TB, addr string) int {
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	meta := redis.NewClient(&redis.Options{Addr: addr})
	for i := 1; i <= 15; i++ {
		key := fmt.Sprintf("quotaflow:testutil:db_lock:%d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok, err := meta.SetNX(ctx, key, os.Getpid(), 30*time.Minute).Result()
		cancel()
		if err != nil || !ok {
			continue
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = meta.Del(ctx, key).Err()
			_ = meta.Close()
		})
		return i
	}
	_ = meta.Close()
	return 1
}
