package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the conventional exit status after SIGINT.
const exitInterrupted = 130

// interruptedError is the cancellation cause set by a shutdown signal.
// Uploads still in flight fail with it: the driver closes the open file, the
// spool file and the response body on that exit path, and nothing is
// completed server-side.
type interruptedError struct {
	Signal os.Signal
}

func (e *interruptedError) Error() string {
	return fmt.Sprintf("interrupted by %s", e.Signal)
}

// forceExit ends the process on a second signal. Replaced in tests.
var forceExit = func() { os.Exit(exitInterrupted) }

// shutdownContext returns a context canceled with an *interruptedError on the
// first SIGINT or SIGTERM. A second signal exits at once without waiting for
// uploads to unwind.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return watchSignals(parent, sigCh, func() { signal.Stop(sigCh) }, logger)
}

// watchSignals holds the signal handling behind shutdownContext. stop is
// called once the watcher goroutine is done with sigCh.
func watchSignals(parent context.Context, sigCh <-chan os.Signal, stop func(), logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		defer stop()

		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received, failing in-flight uploads",
				slog.String("signal", sig.String()),
			)
			cancel(&interruptedError{Signal: sig})
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("second signal received, exiting without cleanup",
				slog.String("signal", sig.String()),
			)
			forceExit()
		case <-parent.Done():
		}
	}()

	return ctx
}
