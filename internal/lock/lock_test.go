package lock_test

import (
	"io"
	"testing"
	"time"

	"github.com/blukai/rorrelay/internal/lock"
	"github.com/matryer/is"
)

func TestRecursiveLockIsDetected(t *testing.T) {
	is := is.New(t)

	detected := make(chan struct{}, 1)
	lock.Configure(lock.Options{
		Enabled: true,
		Timeout: time.Minute,
		Output:  io.Discard,
		OnDeadlock: func() {
			select {
			case detected <- struct{}{}:
			default:
			}
		},
	}, nil)
	defer lock.Configure(lock.Options{}, nil)

	mu := new(lock.Mutex)
	done := make(chan struct{})
	go func() {
		mu.Lock()
		// second acquisition by the same goroutine
		mu.Lock()
		mu.Unlock()
		close(done)
	}()

	select {
	case <-detected:
	case <-time.After(5 * time.Second):
		is.Fail() // recursive lock was not reported
	}

	// release the first acquisition so the goroutine can finish
	mu.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		is.Fail() // goroutine is still blocked
	}
}

func TestCondWakesWaiter(t *testing.T) {
	is := is.New(t)

	mu := new(lock.Mutex)
	cond := lock.NewCond(mu)
	ready := false

	woke := make(chan struct{})
	go func() {
		mu.Lock()
		for !ready {
			cond.Wait()
		}
		mu.Unlock()
		close(woke)
	}()

	mu.Lock()
	ready = true
	cond.Broadcast()
	mu.Unlock()

	select {
	case <-woke:
	case <-time.After(time.Second):
		is.Fail() // waiter did not wake up
	}
}
