package main

import (
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"yolocam/internal/auth"
	"yolocam/internal/config"
	mw "yolocam/internal/middleware"
	"yolocam/internal/services"
)

// newHTTPServer mounts the control API, output window and websocket streams
// on a goa muxer and wraps it with the auth, logging and request id layers.
func newHTTPServer(cfg *config.Config, api *services.HTTPServer, authenticator *auth.Authenticator, logger *zap.Logger, debug bool) *http.Server {
	// Setup goa log adapter.
	var adapter middleware.Logger
	{
		adapter = middleware.NewLogger(zap.NewStdLog(logger.Named("http")))
	}

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	api.Mount(mux)
	for _, m := range api.Mounts {
		logger.Debug("HTTP mounted", zap.String("method", m.Method), zap.String("verb", m.Verb), zap.String("pattern", m.Pattern))
	}

	// Middlewares mounted here apply to every endpoint.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = mw.AuthMiddleware(authenticator, "/api/", services.PublicPaths()...)(handler)
		handler = cors(cfg.Server.CORSOrigin)(handler)
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: time.Second * 60,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// cors answers preflight requests and tags responses for origin. An empty
// origin disables the headers.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if origin == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
