package server

import (
	"io"
	"os"
	"testing"

	"github.com/aeolun/talkative/pkg/logx"
)

// TestMain sets up package-level test state once before any test runs.
// Loggers are captured by components at construction, so the global logger
// must not change while goroutines from earlier tests are still running.
func TestMain(m *testing.M) {
	logx.Init(false, io.Discard)
	os.Exit(m.Run())
}
