package lifecycle

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the idle-check ticker goroutine started by Run exits
// once Stop or an idle timeout ends it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
