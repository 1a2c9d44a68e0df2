// Package labweb is the web server the lab's hosts run inside the guest.
// Every page carries the grading run's token so probes can tell a live
// server from a canned response.
package labweb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/workspace"
)

// DefaultText is served when no text is configured.
const DefaultText = "Default web server"

// Config configures the server.
type Config struct {
	Addr      string
	Text      string
	TokenFile string
	Logger    *zerolog.Logger
}

// Page renders the body served for every GET.
func Page(text, token string) string {
	return fmt.Sprintf("<h1>%s (%s)</h1>\n", text, token)
}

// NewHandler builds the router.
func NewHandler(text, token string, logger zerolog.Logger) http.Handler {
	if text == "" {
		text = DefaultText
	}
	body := Page(text, token)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(body))
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// Serve reads the token and serves until ctx is done.
func Serve(ctx context.Context, cfg Config) error {
	logger := log.WithComponent("labweb")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	token, err := workspace.ReadToken(cfg.TokenFile)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return serve(ctx, ln, NewHandler(cfg.Text, token, logger), logger)
}

func serve(ctx context.Context, ln net.Listener, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info().Str("addr", ln.Addr().String()).Msg("serving")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
