// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/KatherLab/wsi-viewer/internal/cache"
	"github.com/KatherLab/wsi-viewer/internal/config"
	"github.com/KatherLab/wsi-viewer/internal/fsindex"
	"github.com/KatherLab/wsi-viewer/internal/governor"
	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
	"github.com/KatherLab/wsi-viewer/internal/resolver"
	"github.com/KatherLab/wsi-viewer/internal/slide"
	"github.com/KatherLab/wsi-viewer/internal/tiles"
)

// statusClientClosed mirrors the conventional non-standard status for a
// request abandoned by its client.
const statusClientClosed = 499

// Server is the HTTP server. Every handler goes cache → governor →
// producer → cache write-back; no blocking work runs on the accepting
// goroutine.
type Server struct {
	cfg      *config.Config
	indexer  *fsindex.Indexer
	cache    *cache.Facade
	gov      *governor.Governor
	registry *governor.Registry
	tiles    *tiles.Server
}

// NewServer creates a new server.
func NewServer(
	cfg *config.Config,
	indexer *fsindex.Indexer,
	facade *cache.Facade,
	gov *governor.Governor,
	registry *governor.Registry,
	tileServer *tiles.Server,
) *Server {
	return &Server{
		cfg:      cfg,
		indexer:  indexer,
		cache:    facade,
		gov:      gov,
		registry: registry,
		tiles:    tileServer,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/tree", s.handleTree)
	mux.HandleFunc("GET /api/expand", s.handleExpand)
	mux.HandleFunc("GET /api/dir", s.handleDir)
	mux.HandleFunc("GET /api/thumb/{id}", s.handleThumb)
	mux.HandleFunc("GET /api/meta/{id}", s.handleMeta)
	mux.HandleFunc("GET /api/associated/{id}", s.handleAssociatedList)
	mux.HandleFunc("GET /api/associated/{id}/{name}", s.handleAssociatedImage)

	mux.HandleFunc("GET /dzi/{name}", s.handleDZI)
	mux.HandleFunc("GET /dzi/{name}/{level}/{tile}", s.handleTile)

	return logging.Middleware(metrics.Middleware(s.corsMiddleware(s.inFlightMiddleware(mux))))
}

// inFlightMiddleware registers every request in the in-flight table on
// entry and deregisters on exit. The derived context carries cancellation
// into offloaded work when the client goes away.
func (s *Server) inFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := s.registry.Register(r.Context())
		defer s.registry.Deregister(id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware applies the configured cross-origin policy.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.cfg.CORSAllowOrigins {
		if o == "*" {
			return "*"
		}
		if o == origin && origin != "" {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed", zap.Error(err))
	}
}

func writeImage(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(raw)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// writeError maps the error taxonomy onto status classes. Decoder detail
// is logged, never returned to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Slide not found"})
	case errors.Is(err, fsindex.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Directory not found"})
	case errors.Is(err, slide.ErrOutOfBounds):
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Not found"})
	case errors.Is(err, governor.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Detail: "Operation timed out"})
	case errors.Is(err, context.Canceled):
		// Client closed the request; nothing useful to send.
		w.WriteHeader(statusClientClosed)
	case errors.Is(err, slide.ErrDecoder):
		logging.Error("decoder failure",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "Failed to read slide"})
	default:
		logging.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "Internal error"})
	}
}
