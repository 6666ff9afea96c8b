package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/csctl/internal/testutil/testlog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLookupMissesUntilStored(t *testing.T) {
	testlog.Start(t)
	s := openTestStore(t)
	ctx := context.Background()
	mt := time.Unix(1700000000, 5)

	if _, _, ok, err := s.Lookup(ctx, "/p/B.ts", mt, "v1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := s.Store(ctx, "/p/B.ts", mt, "v1", "var x = 1;\n", []byte(`{"version":3}`)); err != nil {
		t.Fatalf("store: %v", err)
	}
	code, raw, ok, err := s.Lookup(ctx, "/p/B.ts", mt, "v1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if code != "var x = 1;\n" || string(raw) != `{"version":3}` {
		t.Fatalf("unexpected cached output code=%q map=%q", code, raw)
	}
}

func TestStaleEntriesAreNotReturned(t *testing.T) {
	testlog.Start(t)
	s := openTestStore(t)
	ctx := context.Background()
	mt := time.Unix(1700000000, 0)
	if err := s.Store(ctx, "/p/B.ts", mt, "v1", "old", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, _, ok, _ := s.Lookup(ctx, "/p/B.ts", mt.Add(time.Second), "v1"); ok {
		t.Fatalf("newer mod time must miss")
	}
	if _, _, ok, _ := s.Lookup(ctx, "/p/B.ts", mt, "v2"); ok {
		t.Fatalf("different version must miss")
	}

	if err := s.Store(ctx, "/p/B.ts", mt.Add(time.Second), "v1", "new", nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected overwrite in place, got %d rows", n)
	}
	code, _, ok, _ := s.Lookup(ctx, "/p/B.ts", mt.Add(time.Second), "v1")
	if !ok || code != "new" {
		t.Fatalf("expected refreshed entry, got %q ok=%v", code, ok)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Fatalf("expected empty cache after clear, got %d", n)
	}
}
