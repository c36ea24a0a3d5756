package render

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// NewMux routes /ws to the hub and, when snap is not nil, /snapshot.png to
// the latest snapshot.
func NewMux(hub *Hub, snap *Snapshotter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	if snap != nil {
		mux.Handle("/snapshot.png", snap)
	}
	return mux
}

// Serve runs h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("viewer server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("viewer server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
