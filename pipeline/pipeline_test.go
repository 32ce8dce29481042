package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

func TestFromSlice_Collect(t *testing.T) {
	got, err := Collect(context.Background(), FromSlice([]int{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if !intSliceEqual(got, []int{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestFromChannel_EndsWhenClosed(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "a"
	ch <- "b"
	close(ch)

	got, err := Collect(context.Background(), FromChannel(ch))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}

func TestFromChannel_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, FromChannel(make(chan int)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMapFilterTap(t *testing.T) {
	var seen int
	p := Map(FromSlice([]int{1, 2, 3, 4}), func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	})
	p = Filter(p, func(n int) bool { return n > 10 })
	p = Tap(p, func(_ context.Context, _ int) error {
		seen++
		return nil
	})
	got, err := Collect(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !intSliceEqual(got, []int{20, 30, 40}) || seen != 3 {
		t.Errorf("got %v (seen %d)", got, seen)
	}
}

func TestTap_ErrorStops(t *testing.T) {
	boom := errors.New("boom")
	p := Tap(FromSlice([]int{1, 2}), func(_ context.Context, _ int) error { return boom })
	if _, err := Collect(context.Background(), p); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestParallel_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}
	p := Parallel(FromSlice(items), 4, func(_ context.Context, n int) (int, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return n, nil
	})
	got, err := Collect(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	sort.Ints(got)
	if !intSliceEqual(got, items) {
		t.Errorf("expected every item once, got %v", got)
	}
	if peak > 4 {
		t.Errorf("expected at most 4 in flight, saw %d", peak)
	}
}

func TestParallel_Error(t *testing.T) {
	p := Parallel(FromSlice([]int{1, 2, 3, 4, 5}), 2, func(_ context.Context, n int) (int, error) {
		if n == 3 {
			return 0, errors.New("worker failed")
		}
		return n, nil
	})
	if _, err := Collect(context.Background(), p); err == nil {
		t.Fatal("expected error from parallel worker")
	}
}

func TestParallel_OverChannel(t *testing.T) {
	jobs := make(chan int)
	var sum int64
	done := make(chan error, 1)
	go func() {
		done <- Drain(Parallel(FromChannel(jobs), 3, func(_ context.Context, n int) (int, error) {
			return n * n, nil
		}), func(_ context.Context, sq int) error {
			atomic.AddInt64(&sum, int64(sq))
			return nil
		}).Run(context.Background())
	}()
	for i := 1; i <= 4; i++ {
		jobs <- i
	}
	close(jobs)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if sum != 30 {
		t.Errorf("expected 30, got %d", sum)
	}
}

func TestDebounce_CoalescesBurst(t *testing.T) {
	ch := make(chan int)
	var writes []int
	done := make(chan error, 1)
	go func() {
		done <- Drain(Debounce(FromChannel(ch), 30*time.Millisecond), func(_ context.Context, v int) error {
			writes = append(writes, v)
			return nil
		}).Run(context.Background())
	}()
	for i := 1; i <= 10; i++ {
		ch <- i
	}
	time.Sleep(80 * time.Millisecond)
	ch <- 11
	close(ch)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !intSliceEqual(writes, []int{10, 11}) {
		t.Errorf("expected [10 11], got %v", writes)
	}
}

func TestDebounce_FlushesOnClose(t *testing.T) {
	got, err := Collect(context.Background(), Debounce(FromSlice([]int{1, 2, 3}), time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !intSliceEqual(got, []int{3}) {
		t.Errorf("expected [3], got %v", got)
	}
}

func TestDebounce_Empty(t *testing.T) {
	got, err := Collect(context.Background(), Debounce(FromSlice([]int{}), time.Millisecond))
	if err != nil || len(got) != 0 {
		t.Errorf("expected nothing, got %v (%v)", got, err)
	}
}

func TestThrottle(t *testing.T) {
	base := time.Unix(0, 0)
	ticks := []time.Duration{0, 100 * time.Millisecond, 900 * time.Millisecond, time.Second, 1500 * time.Millisecond, 2100 * time.Millisecond}
	i := 0
	clock := func() time.Time {
		at := base.Add(ticks[i])
		i++
		return at
	}
	got, err := Collect(context.Background(), ThrottleClock(FromSlice([]int{1, 2, 3, 4, 5, 6}), time.Second, clock))
	if err != nil {
		t.Fatal(err)
	}
	if !intSliceEqual(got, []int{1, 4, 6}) {
		t.Errorf("expected [1 4 6], got %v", got)
	}
}

func TestThrottle_ZeroIntervalPassesAll(t *testing.T) {
	got, _ := Collect(context.Background(), Throttle(FromSlice([]int{1, 2, 3}), 0))
	if !intSliceEqual(got, []int{1, 2, 3}) {
		t.Errorf("expected [1 2 3], got %v", got)
	}
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
