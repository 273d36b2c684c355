package protocol

import (
	"io"
	"os"
	"testing"

	"github.com/kilnworks/kiln/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}
