package inference

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain проверяет, что вызовы инференса не оставляют горутин.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
