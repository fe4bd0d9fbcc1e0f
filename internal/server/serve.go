package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Serve runs handler on ln until ctx is cancelled, then drains in-flight
// requests for up to grace before closing remaining connections.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, grace time.Duration) error {
	srv := &http.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server: serve")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server", zap.Duration("grace", grace))

	// The signal context is already cancelled here. Shutdown with a
	// cancelled context aborts in-flight requests instead of draining
	// them, so the drain deadline gets its own context.
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: serve")
	}
	return nil
}
