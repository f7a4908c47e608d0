package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDoRunsSerially(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(0)
	l.Start(ctx)

	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Do(func() { counter++ }); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	var got int
	if err := l.Do(func() { got = counter }); err != nil {
		t.Fatal(err)
	}
	if got != 50 {
		t.Errorf("counter = %d, want 50", got)
	}
}

func TestPostPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(0)
	l.Start(ctx)

	var order []int
	for i := range 10 {
		if err := l.Post(func() { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}
	var snapshot []int
	if err := l.Do(func() { snapshot = append(snapshot, order...) }); err != nil {
		t.Fatal(err)
	}
	for i, v := range snapshot {
		if v != i {
			t.Fatalf("order = %v", snapshot)
		}
	}
}

func TestStoppedLoopRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(0)
	l.Start(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Post error = %v, want ErrStopped", err)
	}
	if err := l.Do(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do error = %v, want ErrStopped", err)
	}
}
