package pipeline

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/banshee-data/depthfuse/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}
