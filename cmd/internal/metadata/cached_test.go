package metadata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeLookup struct {
	calls atomic.Int32
	gate  chan struct{}
	md    Metadata
	found bool
	err   error
}

func (f *fakeLookup) FetchMetadata(_ context.Context, ref string) (Metadata, bool, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	md := f.md
	md.ExternalRef = ref
	return md, f.found, f.err
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]Metadata
	getErr  error
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]Metadata)} }

func (c *fakeCache) Get(_ context.Context, ref string) (Metadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return Metadata{}, false, c.getErr
	}
	md, ok := c.entries[ref]
	return md, ok, nil
}

func (c *fakeCache) Set(_ context.Context, md Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[md.ExternalRef] = md
	return nil
}

func TestCachedLookup_MemoryHit(t *testing.T) {
	t.Parallel()

	up := &fakeLookup{md: Metadata{Title: "Heat"}, found: true}
	l := NewCachedLookup(testLogger(), up)

	for i := 0; i < 3; i++ {
		md, found, err := l.FetchMetadata(context.Background(), "949")
		if err != nil || !found || md.Title != "Heat" {
			t.Fatalf("call %d: md=%+v found=%v err=%v", i, md, found, err)
		}
	}
	if got := up.calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestCachedLookup_ExpiresWithClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	up := &fakeLookup{md: Metadata{Title: "Alien"}, found: true}
	l := NewCachedLookup(testLogger(), up, WithMemoryTTL(time.Minute, clock))

	ctx := context.Background()
	if _, _, err := l.FetchMetadata(ctx, "348"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	clock.Advance(59 * time.Second)
	if _, _, err := l.FetchMetadata(ctx, "348"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := up.calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call before expiry, got %d", got)
	}

	clock.Advance(2 * time.Second)
	if _, _, err := l.FetchMetadata(ctx, "348"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := up.calls.Load(); got != 2 {
		t.Fatalf("expected 2 upstream calls after expiry, got %d", got)
	}
}

func TestCachedLookup_NegativeNotCached(t *testing.T) {
	t.Parallel()

	up := &fakeLookup{found: false}
	l := NewCachedLookup(testLogger(), up)

	for i := 0; i < 2; i++ {
		_, found, err := l.FetchMetadata(context.Background(), "0")
		if err != nil || found {
			t.Fatalf("call %d: found=%v err=%v", i, found, err)
		}
	}
	if got := up.calls.Load(); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}
}

func TestCachedLookup_UpstreamErrorPropagates(t *testing.T) {
	t.Parallel()

	up := &fakeLookup{err: ErrUnavailable}
	l := NewCachedLookup(testLogger(), up)

	if _, _, err := l.FetchMetadata(context.Background(), "1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCachedLookup_RemoteLayer(t *testing.T) {
	t.Parallel()

	remote := newFakeCache()
	remote.entries["11"] = Metadata{ExternalRef: "11", Title: "Star Wars"}

	up := &fakeLookup{md: Metadata{Title: "upstream"}, found: true}
	l := NewCachedLookup(testLogger(), up, WithRemoteCache(remote))

	md, found, err := l.FetchMetadata(context.Background(), "11")
	if err != nil || !found || md.Title != "Star Wars" {
		t.Fatalf("md=%+v found=%v err=%v", md, found, err)
	}
	if got := up.calls.Load(); got != 0 {
		t.Fatalf("expected no upstream call, got %d", got)
	}

	// Miss on both layers writes through to the remote cache.
	if _, _, err := l.FetchMetadata(context.Background(), "12"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok, _ := remote.Get(context.Background(), "12"); !ok {
		t.Fatalf("expected write-through to remote cache")
	}
}

func TestCachedLookup_RemoteErrorFallsThrough(t *testing.T) {
	t.Parallel()

	remote := newFakeCache()
	remote.getErr = errors.New("redis down")

	up := &fakeLookup{md: Metadata{Title: "Up"}, found: true}
	l := NewCachedLookup(testLogger(), up, WithRemoteCache(remote))

	md, found, err := l.FetchMetadata(context.Background(), "14160")
	if err != nil || !found || md.Title != "Up" {
		t.Fatalf("md=%+v found=%v err=%v", md, found, err)
	}
}

func TestCachedLookup_CollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	up := &fakeLookup{md: Metadata{Title: "Jaws"}, found: true, gate: make(chan struct{})}
	l := NewCachedLookup(testLogger(), up)

	const callers = 8
	var started, wg sync.WaitGroup
	started.Add(callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			started.Done()
			if _, _, err := l.FetchMetadata(context.Background(), "578"); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	if got := up.calls.Load(); got >= callers/2 {
		t.Fatalf("expected concurrent misses to collapse, got %d upstream calls", got)
	}
}
