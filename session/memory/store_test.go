package memory

import (
	"testing"

	"github.com/PipeOpsHQ/qoe-assistant/session/sessiontest"
)

func TestMemoryStore(t *testing.T) {
	sessiontest.Run(t, New())
}
