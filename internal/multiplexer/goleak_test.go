package multiplexer

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the read/write pump goroutines spawned by Run exit
// with every test (spec.md §4.2's single-stream-owner requirement depends
// on them never outliving the stream).
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
