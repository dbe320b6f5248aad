package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"livecam/internal/api"
	"livecam/internal/ws"
)

// handleHTTPServer mounts the API and the websocket route and serves them on
// addr until ctx is done. stopLive runs before the server shuts down so that
// attached stream clients see their session end.
func handleHTTPServer(ctx context.Context, addr string, server *api.Server, wsHandler http.Handler, stopLive func(context.Context) error, logger *zap.Logger) error {
	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(zap.NewStdLog(logger.Named("http")))
	}

	// Build the request multiplexer and mount the routes.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	mounts := server.Mount(mux)
	mux.Handle("GET", ws.PathPrefix, wsHandler.ServeHTTP)
	mux.Handle("GET", ws.PathPrefix+"/{camera}", wsHandler.ServeHTTP)

	// Request logging wraps the response writer, so long-lived stream and
	// websocket responses bypass it.
	var handler http.Handler = mux
	{
		logged := httpmdlwr.Log(adapter)(mux)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if longLived(r.URL.Path) {
				mux.ServeHTTP(w, r)
				return
			}
			logged.ServeHTTP(w, r)
		})
		handler = httpmdlwr.RequestID()(handler)
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range mounts {
		logger.Info("HTTP route mounted", zap.String("method", m.Method), zap.String("verb", m.Verb), zap.String("pattern", m.Pattern))
	}
	logger.Info("HTTP route mounted", zap.String("method", "LiveDetections"), zap.String("verb", "GET"), zap.String("pattern", ws.PathPrefix))

	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down HTTP server", zap.String("addr", addr))

	// Shutdown gracefully with a 30s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if stopLive != nil {
		if err := stopLive(shutdownCtx); err != nil {
			logger.Warn("stopping live session", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown", zap.Error(err))
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func longLived(path string) bool {
	return path == api.StreamURL || strings.HasPrefix(path, ws.PathPrefix)
}
