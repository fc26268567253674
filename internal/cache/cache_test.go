package cache

import (
	"encoding/binary"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/types"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fp(i int) frame.Fingerprint {
	var f frame.Fingerprint
	binary.BigEndian.PutUint64(f[:8], uint64(i))
	return f
}

func sampleResult() types.Result {
	return types.Result{
		{Identified: true, IdentityID: "u-1", DisplayName: "Alice", Contact: "555-0100", Similarity: 0.9, Box: types.Box{Top: 10, Right: 50, Bottom: 60, Left: 5}},
		types.Unidentified(types.Box{Top: 1, Right: 2, Bottom: 3, Left: 0}),
	}
}

func TestGetIsIdempotent(t *testing.T) {
	c := New(10, time.Hour)
	want := sampleResult()
	c.Set(fp(1), want)

	for i := 0; i < 5; i++ {
		got, ok := c.Get(fp(1))
		if !ok {
			t.Fatalf("read %d: expected hit", i)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("read %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestSetCopiesResult(t *testing.T) {
	c := New(10, time.Hour)
	r := sampleResult()
	c.Set(fp(1), r)
	r[0].DisplayName = "Mallory"

	got, _ := c.Get(fp(1))
	if got[0].DisplayName != "Alice" {
		t.Errorf("cache entry was mutated through the caller's slice: %q", got[0].DisplayName)
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(10, time.Minute, WithClock(clock.Now))
	c.Set(fp(1), sampleResult())

	clock.Advance(time.Minute - time.Nanosecond)
	if _, ok := c.Get(fp(1)); !ok {
		t.Fatal("entry should be live just before T+TTL")
	}

	clock.Advance(time.Nanosecond)
	if _, ok := c.Get(fp(1)); ok {
		t.Fatal("entry should be absent at T+TTL")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry was not purged on read, size = %d", c.Size())
	}
	if s := c.Stats(); s.Expirations != 1 {
		t.Errorf("Expected 1 expiration, got %d", s.Expirations)
	}
}

func TestSizeDoesNotPurge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(10, time.Second, WithClock(clock.Now))
	c.Set(fp(1), sampleResult())
	clock.Advance(time.Hour)

	if c.Size() != 1 {
		t.Errorf("Size() should count expired entries until read, got %d", c.Size())
	}
}

func TestOverwriteResetsTimestamp(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(10, time.Minute, WithClock(clock.Now))
	c.Set(fp(1), sampleResult())

	clock.Advance(50 * time.Second)
	c.Set(fp(1), types.Result{})

	clock.Advance(50 * time.Second)
	got, ok := c.Get(fp(1))
	if !ok {
		t.Fatal("overwritten entry should still be live")
	}
	if len(got) != 0 {
		t.Errorf("Expected overwritten (empty) result, got %+v", got)
	}
	if c.Size() != 1 {
		t.Errorf("Expected exactly one entry per fingerprint, got %d", c.Size())
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	// Scenario: 1001 distinct fingerprints into a cache of 1000
	c := New(1000, time.Hour)
	for i := 0; i < 1001; i++ {
		c.Set(fp(i), sampleResult())
		if c.Size() > 1000 {
			t.Fatalf("size exceeded maximum after insert %d: %d", i, c.Size())
		}
	}

	if c.Size() != 1000 {
		t.Errorf("Expected size 1000, got %d", c.Size())
	}
	if _, ok := c.Get(fp(0)); ok {
		t.Error("first inserted fingerprint should have been evicted")
	}
	if _, ok := c.Get(fp(1000)); !ok {
		t.Error("newest fingerprint should be present")
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("Expected exactly 1 eviction, got %d", s.Evictions)
	}
}

func TestEvictionFollowsOverwrite(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(2, time.Hour, WithClock(clock.Now))

	c.Set(fp(1), sampleResult())
	clock.Advance(time.Second)
	c.Set(fp(2), sampleResult())
	clock.Advance(time.Second)
	// fp(1) becomes the newest
	c.Set(fp(1), sampleResult())
	clock.Advance(time.Second)
	c.Set(fp(3), sampleResult())

	if _, ok := c.Get(fp(2)); ok {
		t.Error("fp(2) had the oldest timestamp and should be evicted")
	}
	if _, ok := c.Get(fp(1)); !ok {
		t.Error("fp(1) was refreshed and should survive")
	}
}

func TestEvictionTieIsDeterministic(t *testing.T) {
	// Frozen clock: every entry shares the same timestamp.
	clock := &fakeClock{now: time.Unix(1000, 0)}
	for run := 0; run < 3; run++ {
		c := New(3, time.Hour, WithClock(clock.Now))
		c.Set(fp(7), nil)
		c.Set(fp(3), nil)
		c.Set(fp(5), nil)
		c.Set(fp(9), nil)

		if _, ok := c.Get(fp(7)); ok {
			t.Fatalf("run %d: expected the first inserted entry to lose the tie", run)
		}
	}
}

func TestEmptyResultIsAHit(t *testing.T) {
	c := New(10, time.Hour)
	c.Set(fp(1), nil)
	got, ok := c.Get(fp(1))
	if !ok {
		t.Fatal("cached empty result should be a hit")
	}
	if len(got) != 0 {
		t.Errorf("Expected empty result, got %+v", got)
	}
}

func TestClear(t *testing.T) {
	c := New(10, time.Hour)
	for i := 0; i < 5; i++ {
		c.Set(fp(i), sampleResult())
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Size())
	}
	if _, ok := c.Get(fp(1)); ok {
		t.Error("entry survived Clear")
	}
	// Still usable afterwards
	c.Set(fp(1), sampleResult())
	if c.Size() != 1 {
		t.Errorf("Expected 1 entry after re-insert, got %d", c.Size())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(50, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fp((g*500 + i) % 120)
				c.Set(key, sampleResult())
				c.Get(key)
				if c.Size() > 50 {
					t.Errorf("size exceeded maximum: %d", c.Size())
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Size() > 50 {
		t.Errorf("Expected at most 50 entries, got %d", c.Size())
	}
}
