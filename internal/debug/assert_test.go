package debug_test

import (
	"strings"
	"testing"

	"github.com/blukai/rorrelay/internal/debug"
	"github.com/matryer/is"
)

func TestAssertPanicsWithLocation(t *testing.T) {
	is := is.New(t)

	defer func() {
		r := recover()
		is.True(r != nil)
		text, ok := r.(string)
		is.True(ok)
		is.True(strings.Contains(text, "assert_test.go"))
		is.True(strings.HasSuffix(text, "assertion failed: slot is gone"))
	}()

	debug.Assert(true)
	debug.Assert(false, "slot is gone")
}
