// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the read and admin HTTP surface: kit listings and
// management, track/signal queries, CSV export, the pattern detectors and
// the location estimator. Handlers only read; all writes flow through the
// admin operations on the registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardragon/analytics-engine/pkg/collector"
	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "wardragon_api_request_duration_seconds",
	Help:    "API request latency by route and status code.",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "code"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// Options configure the HTTP server and the analysis defaults.
type Options struct {
	ListenAddr   string
	CORSOrigins  []string
	StaleAfter   time.Duration
	OfflineAfter time.Duration

	MaxQueryRange    time.Duration
	TxPowerDBm       float64
	PathLossExponent float64
}

// NewFlagOptions returns server options populated through flags registered
// in the given application.
func NewFlagOptions(a *kingpin.Application) *Options {
	var opts Options

	a.Flag("web.listen-address", "Address the API server listens on.").
		Envar("LISTEN_ADDRESS").Default(":8000").StringVar(&opts.ListenAddr)

	a.Flag("web.cors-origin", "Allowed CORS origin, repeatable. Defaults to any.").
		Envar("CORS_ORIGINS").StringsVar(&opts.CORSOrigins)

	a.Flag("query.max-range", "Longest time window a query may cover.").
		Envar("MAX_QUERY_RANGE").Default("168h").DurationVar(&opts.MaxQueryRange)

	a.Flag("analysis.tx-power", "Assumed drone transmit power in dBm for location estimation.").
		Envar("TX_POWER_DBM").Default("0").Float64Var(&opts.TxPowerDBm)

	a.Flag("analysis.path-loss-exponent", "Path-loss exponent of the RSSI distance model.").
		Envar("PATH_LOSS_EXPONENT").Default("2.5").Float64Var(&opts.PathLossExponent)

	return &opts
}

// Server is the read/admin API.
type Server struct {
	logger log.Logger
	store  *store.Store
	reg    *registry.Registry
	probe  *collector.Client
	opts   Options
}

// New returns an API server. The probe client is shared with the collector
// so admin connection tests behave exactly like polling does.
func New(logger log.Logger, s *store.Store, reg *registry.Registry, probe *collector.Client, opts Options) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.OfflineAfter == 0 {
		opts.OfflineAfter = 120 * time.Second
	}
	if opts.MaxQueryRange == 0 {
		opts.MaxQueryRange = 168 * time.Hour
	}
	if opts.PathLossExponent == 0 {
		opts.PathLossExponent = 2.5
	}
	return &Server{logger: logger, store: s, reg: reg, probe: probe, opts: opts}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/kits", s.handleListKits)
		r.Get("/drones", s.handleDrones)
		r.Get("/drones/{droneID}/track", s.handleDroneTrack)
		r.Get("/signals", s.handleSignals)
		r.Get("/export/csv", s.handleExportCSV)

		r.Route("/admin/kits", func(r chi.Router) {
			r.Post("/", s.handleCreateKit)
			r.Post("/test", s.handleTestURL)
			r.Get("/reload-status", s.handleReloadStatus)
			r.Put("/{kitID}", s.handleUpdateKit)
			r.Delete("/{kitID}", s.handleDeleteKit)
			r.Post("/{kitID}/test", s.handleTestKit)
		})

		r.Route("/patterns", func(r chi.Router) {
			r.Get("/repeated-drones", s.handleRepeatedDrones)
			r.Get("/coordinated", s.handleCoordinated)
			r.Get("/pilot-reuse", s.handlePilotReuse)
			r.Get("/anomalies", s.handleAnomalies)
			r.Get("/multi-kit", s.handleMultiKit)
			r.Get("/security-alerts", s.handleSecurityAlerts)
			r.Get("/loitering", s.handleLoitering)
			r.Get("/rapid-descent", s.handleRapidDescent)
			r.Get("/night-activity", s.handleNightActivity)
		})

		r.Get("/analysis/estimate-location/{droneID}", s.handleEstimateLocation)
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	level.Info(s.logger).Log("msg", "API server listening", "addr", s.opts.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(route, http.StatusText(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database connection failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeJSON writes the response envelope.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a {"detail": ...} error body.
func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// storeError maps a query failure onto 503, everything else onto 500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	level.Warn(s.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
	if s.store.Ping(r.Context()) != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
