// Package lock provides the mutex used for every shared structure of the
// relay. It is backed by go-deadlock: locking a mutex that the calling
// goroutine already holds, inverting a previously observed lock order or
// waiting on a lock for longer than the configured timeout is reported and,
// unless a custom handler is installed, aborts the process.
package lock

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/sasha-s/go-deadlock"
)

type Mutex = deadlock.Mutex

// NewCond returns a condition variable bound to m. Wait atomically releases m
// and re-acquires it before returning.
func NewCond(m *Mutex) *sync.Cond {
	return sync.NewCond(m)
}

type Options struct {
	// Enabled turns detection on. When off the mutex behaves exactly like
	// sync.Mutex.
	Enabled bool
	// Timeout is how long a goroutine may wait for a lock before it is
	// considered deadlocked. Zero disables the timeout check only.
	Timeout time.Duration
	// Output receives the detector's report (stacks of the involved
	// goroutines). Defaults to stderr.
	Output io.Writer
	// OnDeadlock replaces the default handler which logs and exits.
	OnDeadlock func()
}

// Configure must be called before any Mutex is used concurrently.
func Configure(opts Options, logger *log.Logger) {
	deadlock.Opts.Disable = !opts.Enabled
	deadlock.Opts.DisableLockOrderDetection = !opts.Enabled
	deadlock.Opts.DeadlockTimeout = opts.Timeout

	if opts.Output != nil {
		deadlock.Opts.LogBuf = opts.Output
	} else {
		deadlock.Opts.LogBuf = os.Stderr
	}

	if opts.OnDeadlock != nil {
		deadlock.Opts.OnPotentialDeadlock = opts.OnDeadlock
		return
	}
	deadlock.Opts.OnPotentialDeadlock = func() {
		if logger != nil {
			logger.Error().Msg("potential deadlock detected, aborting")
		}
		os.Exit(2)
	}
}
