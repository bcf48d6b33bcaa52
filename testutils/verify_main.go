package testutils

import (
	"fmt"
	"os"
	"testing"

	"github.com/huddlechat/callcore"
)

// VerifyTestMain preforms various runtime checks on code that tests run.
func VerifyTestMain(m *testing.M) {
	exitCode := m.Run()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	if err := callcore.FindGoroutineLeaks(); err != nil {
		fmt.Fprintf(os.Stderr, "goleak: Errors on successful test run: %v\n", err)
		os.Exit(1)
	}
}
