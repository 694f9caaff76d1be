package dispatcher

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the per-connection goroutine started by Serve exits
// once its connection closes.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
