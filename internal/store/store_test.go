package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func repositories(t *testing.T) map[string]Repository {
	t.Helper()

	sqliteStore, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "agentlink.db"), WithRetry(2, time.Millisecond))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Repository{
		"sqlite": sqliteStore,
		"memory": NewMemory(),
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := repo.Ping(ctx); err != nil {
				t.Fatalf("Ping failed: %v", err)
			}

			if _, ok, err := repo.Get(ctx, KeyAccessToken); err != nil || ok {
				t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
			}

			if err := repo.Put(ctx, KeyAccessToken, "one"); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := repo.Put(ctx, KeyAccessToken, "two"); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}
			if err := repo.Put(ctx, KeyCurrentUser, `{"id":"u1"}`); err != nil {
				t.Fatalf("Put user failed: %v", err)
			}

			v, ok, err := repo.Get(ctx, KeyAccessToken)
			if err != nil || !ok || v != "two" {
				t.Fatalf("expected overwritten value, got %q ok=%v err=%v", v, ok, err)
			}

			if err := repo.Delete(ctx, KeyAccessToken, KeyCurrentUser, "missing"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, ok, _ := repo.Get(ctx, KeyCurrentUser); ok {
				t.Fatal("expected user key removed")
			}
			if err := repo.Delete(ctx); err != nil {
				t.Fatalf("empty Delete failed: %v", err)
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentlink.db")
	ctx := context.Background()

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if err := s.Put(ctx, KeyAccessToken, "persisted"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	v, ok, err := s.Get(ctx, KeyAccessToken)
	if err != nil || !ok || v != "persisted" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", v, ok, err)
	}
}
