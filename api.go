package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// receiverControl is what the HTTP API drives; *Receiver implements it
type receiverControl interface {
	Start() error
	Stop()
	Skip()
	Align(x float64) error
	Tune(ctx context.Context, x float64) (int, error)
	Spectrum() ([]float64, error)
	Status(ctx context.Context) ReceiverStatus
	Stations() []Station
	SetStations(stations []Station) error
	SelectStation(ctx context.Context, idx int) (Station, error)
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TuneResponse is returned by POST /api/tune
type TuneResponse struct {
	Frequency int `json:"frequency"`
}

// APIServer serves the control API, the display websocket and /metrics
type APIServer struct {
	receiver receiverControl
	hub      *DisplayHub
	metrics  *PrometheusMetrics
	config   *Config
	router   *mux.Router
	server   *http.Server
	logger   *log.Logger
}

func NewAPIServer(receiver receiverControl, hub *DisplayHub, metrics *PrometheusMetrics, config *Config, logger *log.Logger) *APIServer {
	if logger == nil {
		logger = log.Default()
	}
	router := mux.NewRouter()
	s := &APIServer{
		receiver: receiver,
		hub:      hub,
		metrics:  metrics,
		config:   config,
		router:   router,
		logger:   logger.WithPrefix("HTTP"),
		server: &http.Server{
			Addr:        config.Server.Listen,
			Handler:     router,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: websocket connections are long lived
			IdleTimeout: 60 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *APIServer) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/start", s.handleStart).Methods("POST", "OPTIONS")
	api.HandleFunc("/stop", s.handleStop).Methods("POST", "OPTIONS")
	api.HandleFunc("/skip", s.handleSkip).Methods("POST", "OPTIONS")
	api.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/tune", s.handleTune).Methods("POST", "OPTIONS")
	api.HandleFunc("/align", s.handleAlign).Methods("POST", "OPTIONS")
	api.HandleFunc("/spectrum", s.handleSpectrum).Methods("GET", "OPTIONS")
	api.HandleFunc("/stations", s.handleGetStations).Methods("GET", "OPTIONS")
	api.HandleFunc("/stations", s.handlePutStations).Methods("PUT")
	api.HandleFunc("/stations/{n:[0-9]+}/select", s.handleSelectStation).Methods("POST", "OPTIONS")
	if s.hub != nil {
		api.HandleFunc("/ws", s.hub.HandleWebSocket)
	}

	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	}).Methods("GET")

	if s.config.Prometheus.Enabled {
		s.router.Handle("/metrics", s.metricsHandler())
	}

	if s.config.Server.EnableCORS {
		s.router.Use(corsMiddleware)
	}
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsHandler serves /metrics to the allowed hosts only
func (s *APIServer) metricsHandler() http.Handler {
	h := promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		if !s.config.Prometheus.IsIPAllowed(clientIP) {
			s.logger.Warn("Prometheus metrics access denied", "ip", clientIP)
			http.Error(w, "403 Forbidden: Access denied", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Handler exposes the router for tests and embedding
func (s *APIServer) Handler() http.Handler { return s.router }

// Start serves until Shutdown
func (s *APIServer) Start() error {
	s.logger.Info("Starting API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.receiver.Start(); err != nil {
		respondError(w, http.StatusConflict, "Cannot start", err.Error())
		return
	}
	respondSuccess(w, "Reception starting")
}

func (s *APIServer) handleStop(w http.ResponseWriter, r *http.Request) {
	s.receiver.Stop()
	respondSuccess(w, "Stop requested")
}

func (s *APIServer) handleSkip(w http.ResponseWriter, r *http.Request) {
	s.receiver.Skip()
	respondSuccess(w, "Skip requested")
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.receiver.Status(r.Context()))
}

// columnParam reads the x query parameter
func columnParam(r *http.Request) (float64, error) {
	v := r.URL.Query().Get("x")
	if v == "" {
		return 0, fmt.Errorf("missing x parameter")
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil || x < 0 {
		return 0, fmt.Errorf("invalid x parameter %q", v)
	}
	return x, nil
}

func (s *APIServer) handleTune(w http.ResponseWriter, r *http.Request) {
	x, err := columnParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	freq, err := s.receiver.Tune(r.Context(), x)
	if err != nil {
		respondError(w, statusFor(err), "Tune failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, TuneResponse{Frequency: freq})
}

func (s *APIServer) handleAlign(w http.ResponseWriter, r *http.Request) {
	x, err := columnParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if err := s.receiver.Align(x); err != nil {
		respondError(w, statusFor(err), "Align failed", err.Error())
		return
	}
	respondSuccess(w, "Column aligned")
}

func (s *APIServer) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	cols, err := s.receiver.Spectrum()
	if err != nil {
		respondError(w, statusFor(err), "No spectrum", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cols)
}

func (s *APIServer) handleGetStations(w http.ResponseWriter, r *http.Request) {
	stations := s.receiver.Stations()
	if stations == nil {
		stations = []Station{}
	}
	respondJSON(w, http.StatusOK, stations)
}

func (s *APIServer) handlePutStations(w http.ResponseWriter, r *http.Request) {
	var stations []Station
	if err := json.NewDecoder(r.Body).Decode(&stations); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	for i, st := range stations {
		if strings.TrimSpace(st.Name) == "" {
			respondError(w, http.StatusBadRequest, "Invalid station", fmt.Sprintf("station %d has no name", i))
			return
		}
		if st.Frequency < 0 {
			respondError(w, http.StatusBadRequest, "Invalid station", fmt.Sprintf("station %q has a negative frequency", st.Name))
			return
		}
	}
	if err := s.receiver.SetStations(stations); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to save stations", err.Error())
		return
	}
	respondSuccess(w, fmt.Sprintf("Saved %d stations", len(stations)))
}

func (s *APIServer) handleSelectStation(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid station index", err.Error())
		return
	}
	if n < 0 || n >= len(s.receiver.Stations()) {
		respondError(w, http.StatusNotFound, "No such station", strconv.Itoa(n))
		return
	}
	st, err := s.receiver.SelectStation(r.Context(), n)
	if err != nil {
		respondError(w, http.StatusBadGateway, "Station selection failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func statusFor(err error) int {
	if errors.Is(err, ErrNotReceiving) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func respondSuccess(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: message,
	})
}
