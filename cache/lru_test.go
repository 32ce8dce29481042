package cache

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestLRU_EntryLimitEvictsLeastRecent(t *testing.T) {
	c := NewLRU[string, int](Limits{MaxEntries: 3})
	c.Put("a", 1, 1)
	c.Put("b", 2, 1)
	c.Put("c", 3, 1)
	c.Get("a") // a is now most recent
	c.Put("d", 4, 1)

	if _, ok := c.Peek("b"); ok {
		t.Error("expected b to be evicted")
	}
	if got, want := c.Keys(), []string{"d", "a", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", s.Evictions)
	}
}

func TestLRU_ByteLimitEvictsUntilBothHold(t *testing.T) {
	c := NewLRU[string, string](Limits{MaxEntries: 10, MaxTotalBytes: 100})
	c.Put("a", "x", 40)
	c.Put("b", "x", 40)
	c.Put("c", "x", 90) // needs both a and b gone

	if c.Len() != 1 || c.TotalBytes() != 90 {
		t.Fatalf("expected only c (90 bytes), got len=%d bytes=%d keys=%v", c.Len(), c.TotalBytes(), c.Keys())
	}
}

func TestLRU_OversizedEntryIsNotStored(t *testing.T) {
	c := NewLRU[string, int](Limits{MaxTotalBytes: 10})
	c.Put("small", 1, 5)
	if c.Put("huge", 2, 11) {
		t.Error("expected Put to refuse oversize entry")
	}
	if _, ok := c.Peek("huge"); ok {
		t.Error("oversize entry must not be cached")
	}
	if _, ok := c.Peek("small"); !ok {
		t.Error("existing entry should survive a refused Put")
	}
}

func TestLRU_UpdateAdjustsSize(t *testing.T) {
	c := NewLRU[string, int](Limits{MaxTotalBytes: 100})
	c.Put("a", 1, 30)
	c.Put("a", 2, 50)
	if c.TotalBytes() != 50 || c.Len() != 1 {
		t.Fatalf("expected 1 entry of 50 bytes, got len=%d bytes=%d", c.Len(), c.TotalBytes())
	}
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("expected updated value 2, got %d", v)
	}
}

func TestLRU_RemoveAndPurge(t *testing.T) {
	c := NewLRU[int, int](Limits{})
	for i := 0; i < 5; i++ {
		c.Put(i, i, 10)
	}
	if !c.Remove(2) || c.Remove(2) {
		t.Error("Remove should report presence exactly once")
	}
	if c.TotalBytes() != 40 {
		t.Errorf("expected 40 bytes, got %d", c.TotalBytes())
	}
	c.Purge()
	if c.Len() != 0 || c.TotalBytes() != 0 {
		t.Error("expected empty cache after Purge")
	}
}

func TestLRU_StatsAndEvictCallback(t *testing.T) {
	c := NewLRU[string, int](Limits{MaxEntries: 1})
	var evicted []string
	c.OnEvict(func(k string, _ int) { evicted = append(evicted, k) })

	c.Put("a", 1, 0)
	c.Get("a")
	c.Get("zz")
	c.Put("b", 2, 0)

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Evictions != 1 || s.Entries != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if !reflect.DeepEqual(evicted, []string{"a"}) {
		t.Errorf("expected a evicted, got %v", evicted)
	}
}

// Bounds must hold at every observation point, including under concurrent writers.
func TestLRU_BoundsHoldUnderConcurrency(t *testing.T) {
	limits := Limits{MaxEntries: DefaultDefinitionMaxEntries, MaxTotalBytes: DefaultDefinitionMaxBytes}
	c := NewLRU[string, int](limits)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(fmt.Sprintf("%d-%d", w, i), i, int64(512+i%2048))
				s := c.Stats()
				if s.Entries > limits.MaxEntries || s.TotalBytes > limits.MaxTotalBytes {
					t.Errorf("limits violated: %+v", s)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Len() > limits.MaxEntries || c.TotalBytes() > limits.MaxTotalBytes {
		t.Errorf("final state over limit: len=%d bytes=%d", c.Len(), c.TotalBytes())
	}
}
