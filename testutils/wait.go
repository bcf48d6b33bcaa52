package testutils

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

const (
	waitCheckInterval = 10 * time.Millisecond
	waitTimeout       = 5 * time.Second
)

// WaitForAssertion waits for the given assertion to pass, retrying it every
// 10ms for up to 5 seconds. The last failure is reported to tb.
func WaitForAssertion(tb testing.TB, assertion func(tb testing.TB)) {
	tb.Helper()
	WaitForAssertionWithSleep(tb, waitCheckInterval, int(waitTimeout/waitCheckInterval), assertion)
}

// WaitForAssertionWithSleep is like WaitForAssertion but with a custom interval and attempt count.
func WaitForAssertionWithSleep(tb testing.TB, interval time.Duration, iterations int, assertion func(tb testing.TB)) {
	tb.Helper()
	var last *recordingTB
	for i := 0; i < iterations; i++ {
		last = &recordingTB{TB: tb}
		runAssertion(last, assertion)
		if !last.Failed() {
			return
		}
		time.Sleep(interval)
	}
	for _, msg := range last.messages {
		tb.Error(msg)
	}
	tb.FailNow()
}

func runAssertion(rtb *recordingTB, assertion func(tb testing.TB)) {
	var wg sync.WaitGroup
	wg.Add(1)
	// FailNow calls runtime.Goexit, so the assertion gets its own goroutine.
	go func() {
		defer wg.Done()
		assertion(rtb)
	}()
	wg.Wait()
}

// recordingTB captures failures instead of reporting them so that an assertion
// can be retried.
type recordingTB struct {
	testing.TB
	mu       sync.Mutex
	failed   bool
	messages []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...interface{}) {
	r.Error(fmt.Sprintf(format, args...))
}

func (r *recordingTB) Error(args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	r.messages = append(r.messages, fmt.Sprint(args...))
}

func (r *recordingTB) Fatal(args ...interface{}) {
	r.Error(args...)
	r.FailNow()
}

func (r *recordingTB) Fatalf(format string, args ...interface{}) {
	r.Errorf(format, args...)
	r.FailNow()
}

func (r *recordingTB) Fail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
}

func (r *recordingTB) FailNow() {
	r.Fail()
	runtime.Goexit()
}

func (r *recordingTB) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}
