package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// terminationSignals are the signals syncr treats as a graceful shutdown
// request. SIGABRT and friends are left to the Go runtime's own handling.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}

// rootContext is created once and cancelled when a termination signal
// arrives, giving every long-running command a single context to plumb
// through.
var rootContext, cancelRootContext = context.WithCancel(context.Background())

func init() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, terminationSignals...)
	go func() {
		<-signals
		cancelRootContext()
	}()
}

// cliContext returns the process-wide context used for one-shot setup
// calls (predictor load, store open) that aren't themselves long-running
// but should still unblock promptly on shutdown.
func cliContext() context.Context {
	return rootContext
}
