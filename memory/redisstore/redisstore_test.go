package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/evenscribe/umem-gateway/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Separate DB for memory store tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestRedisStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("AddAndGetAll", func(t *testing.T) {
		rec, err := s.Add(ctx, "tenant-a", "likes espresso")
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("record must get an id")
		}

		if _, err := s.Add(ctx, "tenant-a", "allergic to peanuts"); err != nil {
			t.Fatalf("add second: %v", err)
		}

		all, err := s.GetAll(ctx, "tenant-a")
		if err != nil {
			t.Fatalf("get all: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("want 2 records, got %d", len(all))
		}
		if all[0].Content != "allergic to peanuts" {
			t.Fatalf("records must come back newest first, got %q first", all[0].Content)
		}
	})

	t.Run("EmptyContent", func(t *testing.T) {
		if _, err := s.Add(ctx, "tenant-a", "  "); !errors.Is(err, memory.ErrInvalidArgument) {
			t.Fatalf("want ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("EmptyTenant", func(t *testing.T) {
		all, err := s.GetAll(ctx, "nobody")
		if err != nil {
			t.Fatalf("get all: %v", err)
		}
		if len(all) != 0 {
			t.Fatalf("want empty slice, got %v", all)
		}
	})

	t.Run("Search", func(t *testing.T) {
		if _, err := s.Add(ctx, "tenant-search", "espresso machine broke"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Add(ctx, "tenant-search", "prefers tea"); err != nil {
			t.Fatal(err)
		}

		got, err := s.Search(ctx, "tenant-search", "espresso")
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(got) != 1 || got[0].Content != "espresso machine broke" {
			t.Fatalf("unexpected search result: %v", got)
		}
	})

	t.Run("Update", func(t *testing.T) {
		rec, err := s.Add(ctx, "tenant-b", "old content")
		if err != nil {
			t.Fatal(err)
		}

		updated, err := s.Update(ctx, "tenant-b", rec.ID, "new content")
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Content != "new content" {
			t.Fatalf("content not updated: %q", updated.Content)
		}
		if !updated.CreatedAt.Equal(rec.CreatedAt) {
			t.Fatal("CreatedAt must not change on update")
		}

		if _, err := s.Update(ctx, "tenant-b", "no-such-id", "content"); !errors.Is(err, memory.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rec, err := s.Add(ctx, "tenant-c", "tenant c secret")
		if err != nil {
			t.Fatal(err)
		}

		all, err := s.GetAll(ctx, "tenant-d")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 0 {
			t.Fatalf("tenant-d must not see tenant-c records, got %v", all)
		}

		if _, err := s.Update(ctx, "tenant-d", rec.ID, "hijacked"); !errors.Is(err, memory.ErrNotFound) {
			t.Fatalf("cross-tenant update must be ErrNotFound, got %v", err)
		}
	})
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })

	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := s.Add(context.Background(), "tenant-a", "content"); !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if _, err := s.GetAll(context.Background(), "tenant-a"); !errors.Is(err, memory.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}
