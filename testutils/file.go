// Package testutils provides shared helpers for tests.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// TempDirT creates a temporary directory and fails the test if it cannot.
// The directory is removed when the test completes.
func TempDirT(tb testing.TB, pattern string) string {
	tb.Helper()
	tempDir, err := os.MkdirTemp("", pattern)
	test.That(tb, err, test.ShouldBeNil)
	tb.Cleanup(func() {
		test.That(tb, os.RemoveAll(tempDir), test.ShouldBeNil)
	})
	return tempDir
}

// WriteTempFile writes contents to name inside a fresh temporary directory and
// returns the full path.
func WriteTempFile(tb testing.TB, name, contents string) string {
	tb.Helper()
	path := filepath.Join(TempDirT(tb, "callcore"), name)
	test.That(tb, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}
