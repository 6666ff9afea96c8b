package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/csctl/internal/testutil/testlog"
)

func TestResolveDeliversToMatchingWaiter(t *testing.T) {
	testlog.Start(t)
	table := NewTable[string]()
	idA, chA, err := table.Register()
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	idB, chB, err := table.Register()
	if err != nil {
		t.Fatalf("register b: %v", err)
	}
	if idA == idB {
		t.Fatalf("duplicate ids %d", idA)
	}

	// Out of order completion.
	if !table.Resolve(idB, "b") {
		t.Fatalf("resolve b rejected")
	}
	if !table.Resolve(idA, "a") {
		t.Fatalf("resolve a rejected")
	}

	gotA, err := table.Await(context.Background(), idA, chA, time.Second)
	if err != nil || gotA != "a" {
		t.Fatalf("await a = %q, %v", gotA, err)
	}
	gotB, err := table.Await(context.Background(), idB, chB, time.Second)
	if err != nil || gotB != "b" {
		t.Fatalf("await b = %q, %v", gotB, err)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}

func TestUnknownAndDuplicateResponsesAreDropped(t *testing.T) {
	testlog.Start(t)
	table := NewTable[int]()
	if table.Resolve(12345, 1) {
		t.Fatalf("unknown id accepted")
	}
	id, ch, err := table.Register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !table.Resolve(id, 1) {
		t.Fatalf("first resolve rejected")
	}
	if table.Resolve(id, 2) {
		t.Fatalf("duplicate resolve accepted")
	}
	got, err := table.Await(context.Background(), id, ch, time.Second)
	if err != nil || got != 1 {
		t.Fatalf("await = %d, %v", got, err)
	}
}

func TestAwaitTimesOutAndLateResponseIsDropped(t *testing.T) {
	testlog.Start(t)
	table := NewTable[int]()
	id, ch, err := table.Register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = table.Await(context.Background(), id, ch, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("timed out entry still pending")
	}
	if table.Resolve(id, 7) {
		t.Fatalf("late response accepted")
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	table := NewTable[int]()
	id, ch, err := table.Register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := table.Await(ctx, id, ch, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	testlog.Start(t)
	table := NewTable[int]()
	id, ch, err := table.Register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := table.Await(context.Background(), id, ch, time.Minute)
		done <- err
	}()
	table.Close()
	table.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released by close")
	}
	if _, _, err := table.Register(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected register after close to fail, got %v", err)
	}
}

func TestConcurrentRegisterYieldsUniqueIDs(t *testing.T) {
	testlog.Start(t)
	table := NewTable[int]()
	const n = 2000
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := table.Register()
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint64]struct{}, n)
	for id := range ids {
		if id == 0 || id >= idSpace {
			t.Fatalf("id %d outside allowed range", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIDSourceWrapsWithoutZero(t *testing.T) {
	testlog.Start(t)
	src := &IDSource{start: idSpace - 2}
	first := src.Next()
	second := src.Next()
	if first != idSpace-1 {
		t.Fatalf("unexpected first id %d", first)
	}
	if second == 0 || second != 1 {
		t.Fatalf("expected wrap to 1, got %d", second)
	}
}
