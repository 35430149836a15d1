// Package api serves the bot's read-only monitoring HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"klinebot/internal/instrument"
)

// StatusSource exposes instrument statuses. instrument.Manager satisfies it.
type StatusSource interface {
	Statuses() []instrument.Status
	Status(symbol string) (instrument.Status, bool)
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// NewRouter wires the routes:
//
//	GET /healthz                       health report, 503 when degraded
//	GET /metrics                       prometheus exposition
//	GET /api/v1/instruments            every instrument status
//	GET /api/v1/instruments/{symbol}   one instrument, 404 when unknown
func NewRouter(src StatusSource, health http.Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/healthz", health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/instruments", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Statuses())
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/instruments/{symbol}", func(w http.ResponseWriter, req *http.Request) {
		symbol := strings.ToUpper(mux.Vars(req)["symbol"])
		st, ok := src.Status(symbol)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown instrument " + symbol})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Server runs the router on addr.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(addr string, h http.Handler, log zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "api").Logger(),
	}
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("monitoring api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
