package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborfin/steward/internal/executor"
	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/state"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer exposes read endpoints for positions and decisions plus the
// admin emergency-exit path.
type WebServer struct {
	router   *mux.Router
	port     string
	store    state.PositionStore
	market   state.MarketRepository
	executor *executor.Executor
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, store state.PositionStore, market state.MarketRepository, exec *executor.Executor) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:   mux.NewRouter(),
		port:     port,
		store:    store,
		market:   market,
		executor: exec,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// Prometheus scrape endpoint
	ws.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/users/{userID}/positions", ws.handleGetUserPositions).Methods("GET")
	api.HandleFunc("/users/{userID}/strategy", ws.handleGetUserStrategy).Methods("GET")
	api.HandleFunc("/users/{userID}/preview", ws.handlePreviewDecision).Methods("GET")
	api.HandleFunc("/positions/{id}", ws.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/{id}/emergency-exit", ws.handleEmergencyExit).Methods("POST")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server and database health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !dbHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "steward-custody-allocator",
			"version": "1.0.0",
		},
		"database_healthy": dbHealthy,
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetUserPositions returns the user's open positions
func (ws *WebServer) handleGetUserPositions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	positions, err := ws.store.ListOpenByUser(r.Context(), userID)
	if err != nil {
		webLogger.Error().Err(err).Str("userID", userID).Msg("Failed to list positions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	response := map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetUserStrategy returns the user's stored strategy
func (ws *WebServer) handleGetUserStrategy(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	strategy, err := ws.market.GetUserStrategy(r.Context(), userID)
	if err != nil {
		webLogger.Error().Err(err).Str("userID", userID).Msg("Failed to get strategy")
		ws.writeErrorResponse(w, http.StatusNotFound, "Strategy not found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, strategy)
}

// handlePreviewDecision evaluates the allocation engine for a user without
// executing anything
func (ws *WebServer) handlePreviewDecision(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	decision, err := ws.executor.Preview(r.Context(), userID)
	if err != nil {
		webLogger.Error().Err(err).Str("userID", userID).Msg("Failed to preview decision")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to evaluate decision")
		return
	}

	response := map[string]interface{}{
		"decision":  decision,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetPosition returns a single position by ID
func (ws *WebServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	position, err := ws.store.Get(r.Context(), id)
	if err != nil {
		webLogger.Error().Err(err).Str("positionID", id).Msg("Failed to get position")
		ws.writeErrorResponse(w, http.StatusNotFound, "Position not found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, position)
}

// handleEmergencyExit force-liquidates a position immediately
func (ws *WebServer) handleEmergencyExit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	webLogger.Warn().Str("positionID", id).Msg("Emergency exit requested")

	if err := ws.executor.EmergencyExit(r.Context(), id); err != nil {
		webLogger.Error().Err(err).Str("positionID", id).Msg("Emergency exit failed")
		ws.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{
		"position_id": id,
		"status":      "LIQUIDATED",
		"timestamp":   time.Now().UTC(),
	}

	ws.writeJSONResponse(w, http.StatusOK, response)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request at debug level
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("duration", time.Since(start).String()).
			Msg("Request handled")
	})
}
