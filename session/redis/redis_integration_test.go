//go:build integration

package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/gaffer/session"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisStoreAgainstRealServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: startRedis(t, ctx)})
	defer client.Close()

	store := New(client, time.Minute, 100*time.Millisecond)
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	rec := &session.Record{ID: "it-1", UserID: "42", Messages: []session.Message{{Role: session.RoleUser, Content: "hi"}}}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "it-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.UserID != "42" || len(got.Messages) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	release, err := store.Lock(ctx, "it-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := store.Lock(ctx, "it-1"); !errors.Is(err, session.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	release()
	again, err := store.Lock(ctx, "it-1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
