package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunSerializesSameKey(t *testing.T) {
	manager := NewManager()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.Run(context.Background(), []string{"device-1"}, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxActive)
	}
}

func TestRunAllowsDisjointKeys(t *testing.T) {
	manager := NewManager()
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = manager.Run(context.Background(), []string{"device-a"}, func() error {
			close(firstEntered)
			<-releaseFirst
			return nil
		})
	}()

	<-firstEntered
	go func() {
		_ = manager.Run(context.Background(), []string{"device-b"}, func() error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint key blocked behind an unrelated holder")
	}
	close(releaseFirst)
}

func TestRunReleasesOnError(t *testing.T) {
	manager := NewManager()
	wantErr := errors.New("boom")

	if err := manager.Run(context.Background(), []string{"k"}, func() error {
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}

	reacquired := make(chan struct{})
	go func() {
		_ = manager.Run(context.Background(), []string{"k"}, func() error {
			close(reacquired)
			return nil
		})
	}()
	select {
	case <-reacquired:
	case <-time.After(time.Second):
		t.Fatal("key not released after fn error")
	}
}

func TestRunReleasesOnPanic(t *testing.T) {
	manager := NewManager()
	func() {
		defer func() { _ = recover() }()
		_ = manager.Run(context.Background(), []string{"k"}, func() error {
			panic("fn panicked")
		})
	}()

	if err := manager.Run(context.Background(), []string{"k"}, func() error { return nil }); err != nil {
		t.Fatalf("key not reusable after panic: %v", err)
	}
}

func TestRunMultiKeyOverlapDoesNotDeadlock(t *testing.T) {
	manager := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		keys := []string{"a", "b"}
		if i%2 == 1 {
			keys = []string{"b", "a"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			_ = manager.Run(context.Background(), keys, func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}(keys)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping multi-key acquisition deadlocked")
	}
}

func TestRunHonorsContextWhileWaiting(t *testing.T) {
	manager := NewManager()
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = manager.Run(context.Background(), []string{"k"}, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- manager.Run(ctx, []string{"k"}, func() error { return nil })
	}()
	cancel()

	select {
	case err := <-waitErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
	close(release)
}
