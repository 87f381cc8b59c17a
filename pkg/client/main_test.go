package client

import (
	"io"
	"os"
	"testing"

	"github.com/aeolun/talkative/pkg/logx"
)

func TestMain(m *testing.M) {
	logx.Init(false, io.Discard)
	os.Exit(m.Run())
}
