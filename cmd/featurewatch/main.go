// Package main is the entry point of the featurewatch daemon.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/featurewatch/featurewatch/cmd/featurewatch/daemon"
)

// Exit codes of the daemon and its subcommands.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	a, err := daemon.New()
	if err != nil {
		slog.Error("Failed to create featurewatch", "err", err)
		os.Exit(exitFailure)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
}

func run(a app) int {
	defer installSignalHandler(a)()

	if err := a.Run(); err != nil {
		slog.Error(err.Error())

		if a.UsageError() {
			return exitUsage
		}
		return exitFailure
	}

	return exitOK
}

func installSignalHandler(a app) func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			switch v, ok := <-c; v {
			case syscall.SIGINT, syscall.SIGTERM:
				slog.Info("Stopping monitoring", "signal", v)
				a.Quit()
				return
			case syscall.SIGHUP:
				slog.Debug("Dumping goroutines", "signal", v)
				if a.Hup() {
					a.Quit()
					return
				}
			default:
				// channel was closed: we exited
				if !ok {
					slog.Debug("Signal channel closed")
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(c)
		close(c)
		wg.Wait()
	}
}
