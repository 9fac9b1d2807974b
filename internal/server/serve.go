// Package server runs the HTTP listener with signal-driven graceful
// shutdown and ordered shutdown hooks for dependent resources.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve starts the server and blocks until it stops. On SIGINT/SIGTERM the
// listener drains in-flight requests within the shutdown timeout, then the
// registered hooks run in order.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		// listener failed before any shutdown was requested
		return err
	case <-signalCtx.Done():
	}

	log.Info().Dur("timeout", shutdownTimeout).Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Msg("graceful shutdown timed out, closing immediately")
		err = srv.Close()
	}

	if hooks != nil {
		hooks.Execute(shutdownCtx)
	}

	// the ListenAndServe goroutine returns ErrServerClosed on clean shutdown
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}

	return err
}
