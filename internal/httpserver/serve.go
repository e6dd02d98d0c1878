// Package httpserver runs an http.Server until it fails or a shutdown signal
// arrives, then drains it.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options tunes Serve. The zero value listens on server.Addr and reacts to
// SIGINT and SIGTERM.
type Options struct {
	ShutdownTimeout time.Duration
	// Listener, when set, is served instead of server.Addr.
	Listener net.Listener
	// Signals, when set, replaces OS signal delivery.
	Signals <-chan os.Signal
	// BeforeShutdown runs after a signal and before the server is drained,
	// with the same deadline.
	BeforeShutdown func(ctx context.Context) error
}

// Serve blocks until the server stops. A signal triggers a graceful shutdown
// bounded by ShutdownTimeout.
func Serve(server *http.Server, logger *zap.Logger, opts Options) error {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.Listener != nil {
			err = server.Serve(opts.Listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := opts.Signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()

		var err error
		if opts.BeforeShutdown != nil {
			if hookErr := opts.BeforeShutdown(ctx); hookErr != nil {
				logger.Warn("pre-shutdown hook failed", zap.Error(hookErr))
				err = multierr.Append(err, hookErr)
			}
		}
		if shutdownErr := server.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
			return multierr.Append(err, shutdownErr)
		}
		return multierr.Append(err, <-errCh)
	}
}
