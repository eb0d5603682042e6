package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, minDelay time.Duration) *Queue {
	t.Helper()
	q := New("test", minDelay, nil)
	t.Cleanup(q.Close)
	return q
}

// waitLen blocks until q has n units waiting.
func waitLen(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("queue length = %d, want %d", q.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSpacingBetweenStarts(t *testing.T) {
	t.Parallel()

	const minDelay = 100 * time.Millisecond
	q := newTestQueue(t, minDelay)

	var mu sync.Mutex
	var started []string
	var stamps []time.Time

	// Units are submitted one after another so /a, /b and /c queue in order.
	var wg sync.WaitGroup
	for i, path := range []string{"/a", "/b", "/c"} {
		wg.Add(1)
		submitted := make(chan struct{})
		go func() {
			defer wg.Done()
			close(submitted)
			err := q.Do(context.Background(), func(ctx context.Context) error {
				ts, ok := StartedAt(ctx)
				if !ok {
					t.Error("missing start stamp")
				}
				mu.Lock()
				started = append(started, path)
				stamps = append(stamps, ts)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
		<-submitted
		if i > 0 {
			waitLen(t, q, i)
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	wg.Wait()

	if len(stamps) != 3 {
		t.Fatalf("ran %d units", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < minDelay {
			t.Errorf("gap %s->%s = %v, want >= %v", started[i-1], started[i], gap, minDelay)
		}
	}
}

func TestSpacingInvariantUnderBurst(t *testing.T) {
	t.Parallel()

	const minDelay = 20 * time.Millisecond
	q := newTestQueue(t, minDelay)

	var mu sync.Mutex
	var stamps []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(context.Background(), func(ctx context.Context) error {
				ts, _ := StartedAt(ctx)
				mu.Lock()
				stamps = append(stamps, ts)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(stamps) != 8 {
		t.Fatalf("ran %d units, want 8", len(stamps))
	}
	// stamps are appended in execution order only loosely; sort by time.
	for i := 1; i < len(stamps); i++ {
		for j := i; j > 0 && stamps[j].Before(stamps[j-1]); j-- {
			stamps[j], stamps[j-1] = stamps[j-1], stamps[j]
		}
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < minDelay {
			t.Errorf("gap %d = %v, want >= %v", i, gap, minDelay)
		}
	}
}

func TestStartDoesNotWaitForCompletion(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 10*time.Millisecond)

	release := make(chan struct{})
	slowStarted := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- q.Do(context.Background(), func(ctx context.Context) error {
			close(slowStarted)
			<-release
			return nil
		})
	}()
	<-slowStarted

	// The fast unit must complete while the slow one is still blocked.
	err := q.Do(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-slowDone:
		t.Fatal("slow unit should still be running")
	default:
	}
	close(release)
	if err := <-slowDone; err != nil {
		t.Fatal(err)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 200*time.Millisecond)

	// Occupy the first slot so later units pile up behind the spacing window.
	if err := q.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	submit := func(name string, priority int, n int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.DoPriority(context.Background(), priority, record(name))
		}()
		waitLen(t, q, n)
	}
	submit("low", PriorityLow, 1)
	submit("normal-1", PriorityNormal, 2)
	submit("high", PriorityHigh, 3)
	submit("normal-2", PriorityNormal, 4)
	wg.Wait()

	want := []string{"high", "normal-1", "normal-2", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestRetryGoesToHead(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 200*time.Millisecond)
	if err := q.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Do(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, "queued")
			mu.Unlock()
			return nil
		})
	}()
	waitLen(t, q, 1)
	go func() {
		defer wg.Done()
		q.DoRetry(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, "retry")
			mu.Unlock()
			return nil
		})
	}()
	waitLen(t, q, 2)
	wg.Wait()

	if len(order) != 2 || order[0] != "retry" {
		t.Errorf("order = %v, want retry first", order)
	}
}

func TestErrorPropagates(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, time.Millisecond)
	boom := errors.New("boom")

	got, err := Submit(context.Background(), q, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if got != 0 {
		t.Errorf("got = %d", got)
	}

	n, err := Submit(context.Background(), q, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || n != 42 {
		t.Errorf("Submit = %d, %v", n, err)
	}
}

func TestCanceledBeforeStartIsSkipped(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, 200*time.Millisecond)
	if err := q.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(ctx, func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()
	waitLen(t, q, 1)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after cancel", q.Len())
	}

	time.Sleep(250 * time.Millisecond)
	select {
	case <-ran:
		t.Error("canceled unit should not run")
	default:
	}
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()

	q := New("close", time.Second, nil)
	if err := q.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(context.Background(), func(ctx context.Context) error { return nil })
	}()
	waitLen(t, q, 1)
	q.Close()

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := q.Do(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Do after Close = %v", err)
	}
}
