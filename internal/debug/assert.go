package debug

import (
	"fmt"
	"runtime"
)

// Assert panics when truth does not hold. Used for invariant violations that
// indicate a bug in the relay itself (for example a uid that has no slot).
//
// NOTE: originally stolen from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}

	text := "assertion failed"
	if len(msg) == 1 {
		text = fmt.Sprintf("assertion failed: %s", msg[0])
	}
	// panic recovery buries the assertion location in the middle of the
	// stack, so put it up front.
	if _, file, line, ok := runtime.Caller(1); ok {
		text = fmt.Sprintf("%s:%d: %s", file, line, text)
	}
	panic(text)
}
