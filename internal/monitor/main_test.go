package monitor

import (
	"testing"

	"github.com/banshee-data/depthfuse/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}
