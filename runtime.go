package callcore

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// PanicCapturingGo spawns a goroutine to run the given function and captures
// any panic that occurs and logs it.
func PanicCapturingGo(f func()) {
	PanicCapturingGoWithCallback(f, nil)
}

// PanicCapturingGoWithCallback spawns a goroutine to run the given function and captures
// any panic that occurs, logs it, and calls the given callback.
func PanicCapturingGoWithCallback(f func(), callback func(err interface{})) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				Logger.Errorw("panic while running function", "error", err)
				if callback == nil {
					return
				}
				callback(err)
			}
		}()
		f()
	}()
}

// ManagedGo keeps the given function alive in the background until
// it terminates normally. The once callback runs exactly once when
// f returns or panics for the last time.
func ManagedGo(f, once func()) {
	PanicCapturingGoWithCallback(func() {
		defer func() {
			if once != nil {
				once()
			}
		}()
		f()
	}, func(_ interface{}) {
		ManagedGo(f, once)
	})
}

// SelectContextOrWait either terminates because the given context is done
// or the given duration elapses. It returns true if the duration elapsed.
func SelectContextOrWait(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return true
}

// UncheckedError is used in places where we really do not care about an error but we
// want to at least report it. Never use this for closing writers.
func UncheckedError(err error) {
	uncheckedError(err)
}

// UncheckedErrorFunc is used in places where we really do not care about an error but we
// want to at least report it. Never use this for closing writers.
func UncheckedErrorFunc(f func() error) {
	uncheckedError(f())
}

func uncheckedError(err error) {
	if err == nil {
		return
	}
	Logger.Debugw("unchecked error", "error", err)
}

// FilterOutError filters out an error based on the given target. For
// example, if err was context.Canceled and so was the target, this
// would return nil. Furthermore, if err was a multierr containing
// a context.Canceled, it would also be filtered out.
func FilterOutError(err, target error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, target) {
		return nil
	}
	return err
}

// ContextualMain calls a main entry point function with a cancellable
// context via SIGTERM. This should be called once per process so as
// to not clobber the signals from Notify.
func ContextualMain(main func(ctx context.Context, args []string, logger golog.Logger) error, logger golog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	debugChan := make(chan os.Signal, 1)
	notifySignals(debugChan)
	defer signal.Stop(debugChan)

	PanicCapturingGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-debugChan:
				bufSize := 1 << 20
				traces := make([]byte, bufSize)
				traceSize := runtime.Stack(traces, true)
				logger.Infow("stack dump requested", "traces", string(traces[:traceSize]))
			case <-signalChan:
				cancel()
				return
			}
		}
	})

	if err := FilterOutError(main(ctx, os.Args, logger), context.Canceled); err != nil {
		fatal(logger, err)
	}
}

var fatal = func(logger golog.Logger, args ...interface{}) {
	logger.Error(args...)
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(1)
}
