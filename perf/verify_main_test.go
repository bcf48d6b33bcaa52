package perf

import (
	"testing"

	"github.com/huddlechat/callcore/testutils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}
