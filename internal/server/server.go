// Package server expone por HTTP el documento publicado en la sink (para los
// drivers fs y memory, donde no hay un bucket público delante), más
// /healthz, /metrics y un rebuild manual opcional.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rate"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rotation"
	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

// Rebuilder dispara un rebuild fuera del feed.
type Rebuilder interface {
	Rebuild(ctx context.Context, reason string) (rotation.Result, error)
}

// Options del server.
type Options struct {
	Sink sink.Sink
	// Path del documento dentro de la sink; también es la ruta HTTP.
	Path     string
	CacheTTL time.Duration
	// Rebuilder + AdminAPIKey habilitan POST /v1/rebuild.
	Rebuilder   Rebuilder
	AdminAPIKey string
	// Limiter opcional para POST /v1/rebuild.
	Limiter  rate.Limiter
	Gatherer prometheus.Gatherer
}

// Server es el handler HTTP.
type Server struct {
	opts  Options
	cache *gocache.Cache
	mux   chi.Router
}

type cached struct {
	obj  sink.Object
	etag string
}

// New arma el router.
func New(opts Options) *Server {
	opts.Path = strings.TrimPrefix(opts.Path, "/")
	if opts.Path == "" {
		opts.Path = jwks.DefaultPath
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		opts:  opts,
		cache: gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}

	r := chi.NewRouter()
	r.Use(withRequestID, withRecover, withInflight, withObservability, withSecurityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/"+opts.Path, s.document)
	r.Head("/"+opts.Path, s.document)
	if opts.Rebuilder != nil && opts.AdminAPIKey != "" {
		r.Post("/v1/rebuild", s.rebuild)
	}
	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Invalidate descarta el documento cacheado.
func (s *Server) Invalidate() { s.cache.Delete(s.opts.Path) }

// document sirve GET/HEAD /<path>.
func (s *Server) document(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context()).With(logger.Op("server.document"))

	c, err := s.load(r.Context())
	if errors.Is(err, sink.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "document not published yet")
		return
	}
	if err != nil {
		log.Error("read document from sink failed", logger.Err(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sink read failed")
		return
	}

	ct := c.obj.ContentType
	if ct == "" {
		ct = jwks.ContentType
	}
	w.Header().Set("Content-Type", ct)
	if c.obj.CacheControl != "" {
		w.Header().Set("Cache-Control", c.obj.CacheControl)
	}
	w.Header().Set("ETag", c.etag)
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if match := r.Header.Get("If-None-Match"); match != "" && match == c.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(c.obj.Body)
}

func (s *Server) load(ctx context.Context) (cached, error) {
	if v, ok := s.cache.Get(s.opts.Path); ok {
		return v.(cached), nil
	}
	obj, err := s.opts.Sink.Get(ctx, s.opts.Path)
	if err != nil {
		return cached{}, err
	}
	c := cached{obj: obj, etag: etag(obj.Body)}
	s.cache.SetDefault(s.opts.Path, c)
	return c, nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context()).With(logger.Op("server.rebuild"))

	got := r.Header.Get("X-Admin-API-Key")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminAPIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin api key")
		return
	}
	if s.opts.Limiter != nil {
		rl, err := s.opts.Limiter.Allow(r.Context(), "rebuild")
		if err != nil {
			// fail-open
			log.Warn("rate limiter failed", logger.Err(err))
		} else if !rl.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds()+0.5)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many rebuild requests")
			return
		}
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "http"
	}
	res, err := s.opts.Rebuilder.Rebuild(r.Context(), reason)
	if err != nil {
		log.Error("manual rebuild failed", logger.Err(err))
		writeError(w, http.StatusBadGateway, "rebuild_failed", err.Error())
		return
	}
	s.Invalidate()
	log.Info("manual rebuild", logger.Count(res.Keys), zap.Bool("stale", res.Stale))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        res.ID,
		"keys":      res.Keys,
		"bytes":     res.Bytes,
		"published": res.Published,
		"stale":     res.Stale,
	})
}

// ListenAndServe corre el server hasta que ctx termine y apaga con gracia.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// etag débil, formato W/"<b64url(sha256)>".
func etag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}
