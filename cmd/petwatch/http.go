package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"petwatch/internal/auth"
	authmw "petwatch/internal/middleware"
)

// publicPaths are served without a token
var publicPaths = []string{"/health", "/metrics", "/api/auth/login"}

// streamingPaths hold the connection open and bypass request logging,
// whose response wrapper hides http.Flusher and http.Hijacker
var streamingPaths = map[string]bool{"/ws": true, "/api/preview.mjpg": true}

type routes struct {
	api     *api
	metrics http.Handler
	ws      http.Handler
	preview interface {
		http.Handler
		ServeSnapshot(w http.ResponseWriter, r *http.Request)
	}
}

// mount registers every route on the goa muxer
func mount(mux goahttp.Muxer, rt routes, logger *log.Logger) {
	a := rt.api
	handle := func(method, pattern string, h http.HandlerFunc) {
		mux.Handle(method, pattern, h)
		logger.Printf("HTTP mounted on %s %s", method, pattern)
	}

	handle("GET", "/health", a.health)
	handle("GET", "/metrics", rt.metrics.ServeHTTP)
	handle("POST", "/api/auth/login", a.login)
	handle("GET", "/api/stats", a.stats)
	handle("GET", "/api/tracks", a.liveTracks)
	handle("GET", "/api/events", a.events)
	handle("GET", "/api/sessions", a.sessions)
	handle("GET", "/api/mode", a.getMode)
	handle("PUT", "/api/mode", a.putMode)
	handle("GET", "/api/alerts", a.listAlerts)
	handle("POST", "/api/alerts/test", a.testAlert)
	handle("GET", "/api/preview.jpg", rt.preview.ServeSnapshot)
	handle("GET", "/api/preview.mjpg", rt.preview.ServeHTTP)
	handle("GET", "/ws", rt.ws.ServeHTTP)
}

// newHandler builds the muxer and wraps it with auth, request logging and
// request ids
func newHandler(rt routes, authenticator *auth.Authenticator, logger *log.Logger, debug bool) http.Handler {
	var adapter middleware.Logger
	{
		adapter = middleware.NewLogger(logger)
	}

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	mount(mux, rt, logger)

	var handler http.Handler = mux
	if debug {
		handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
	}
	handler = authmw.AuthMiddleware(authenticator, publicPaths...)(handler)

	logged := httpmdlwr.Log(adapter)(handler)
	inner := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if streamingPaths[r.URL.Path] {
			inner.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
	return httpmdlwr.RequestID()(handler)
}

// handleHTTPServer starts the HTTP server on addr and shuts it down with
// the given timeout once ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
