package daemon

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the multiplexer goroutine Connect spawns per session
// is gone by the time each test ends.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
