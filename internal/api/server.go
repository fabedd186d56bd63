// Package api provides the operator HTTP and WebSocket server.
//
// Read endpoints expose health, the trading state snapshot, a recent
// event tail and open positions/orders. Action endpoints append events
// to the ledger; no handler mutates state directly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/internal/telemetry"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Server is the operator HTTP/WebSocket server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	cfg        types.ServerConfig
	bus        *events.Bus
	states     *state.Manager
	store      *pending.Store
	metrics    *telemetry.Metrics
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	tail       []*events.Event
	startedAt  time.Time
}

// NewServer creates the operator server and subscribes it to the bus
// for the event tail and the WebSocket broadcast.
func NewServer(logger *zap.Logger, cfg types.ServerConfig, bus *events.Bus, states *state.Manager, store *pending.Store, metrics *telemetry.Metrics) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		cfg:       cfg,
		bus:       bus,
		states:    states,
		store:     store,
		metrics:   metrics,
		hub:       NewHub(logger),
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	bus.Subscribe("api", s.onEvent)
	go s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/state", s.handleState).Methods("GET")
	s.router.HandleFunc("/api/v1/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/orders", s.handleOrders).Methods("GET")

	s.router.HandleFunc("/api/v1/actions/ack-review", s.handleAckReview).Methods("POST")
	s.router.HandleFunc("/api/v1/actions/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/actions/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/actions/kill", s.handleKill).Methods("POST")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the configured router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until Stop or a listen error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("operator server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes WebSocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// onEvent maintains the bounded event tail and feeds the WebSocket hub.
func (s *Server) onEvent(ev *events.Event) {
	s.mu.Lock()
	s.tail = append(s.tail, ev)
	if limit := s.cfg.EventTail; limit > 0 && len(s.tail) > limit {
		s.tail = s.tail[len(s.tail)-limit:]
	}
	s.mu.Unlock()

	s.hub.BroadcastEvent(ev)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.states.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"paused":         snap.Paused(time.Now()),
		"time":           time.Now().UTC(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.states.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	s.mu.RLock()
	tail := s.tail
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	out := append([]*events.Event(nil), tail...)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.states.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": snap.Positions,
		"count":     len(snap.Positions),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	snap := s.states.Snapshot()
	resp := map[string]any{
		"open_orders": snap.OpenOrders,
		"count":       len(snap.OpenOrders),
	}
	if s.store != nil {
		resp["pending_entries"] = s.store.All()
	}
	writeJSON(w, http.StatusOK, resp)
}

type actionRequest struct {
	Operator string `json:"operator"`
	Note     string `json:"note"`
	Reason   string `json:"reason"`
	Minutes  int    `json:"minutes"`
}

func (s *Server) handleAckReview(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	decodeBody(r, &req)

	ev, err := s.bus.Publish(events.KindManualReviewAcknowledged, &events.ManualReviewAcknowledgedPayload{
		Operator: req.Operator,
		Note:     req.Note,
	}, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("manual review acknowledged", zap.String("operator", req.Operator))
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": ev.EventID,
		"paused":   s.states.Snapshot().Paused(time.Now()),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	decodeBody(r, &req)
	if req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}

	until := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
	ev, err := s.bus.Publish(events.KindTradingPaused, &events.TradingPausedPayload{
		Until:    until,
		Operator: req.Operator,
		Note:     req.Note,
	}, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("trading paused by operator",
		zap.String("operator", req.Operator),
		zap.Time("until", until))
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": ev.EventID,
		"until":    until,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	decodeBody(r, &req)

	ev, err := s.bus.Publish(events.KindTradingResumed, &events.TradingResumedPayload{
		Operator: req.Operator,
		Note:     req.Note,
	}, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("trading resumed by operator", zap.String("operator", req.Operator))
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": ev.EventID,
		"paused":   s.states.Snapshot().Paused(time.Now()),
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	decodeBody(r, &req)
	reason := req.Reason
	if reason == "" {
		reason = "operator kill-switch"
	}

	ev, err := s.bus.Publish(events.KindShutdownInitiated, &events.ShutdownInitiatedPayload{
		Reason: reason,
	}, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("kill-switch triggered", zap.String("reason", reason))
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": ev.EventID,
		"reason":   reason,
	})
}

func decodeBody(r *http.Request, dst any) {
	if r.Body == nil {
		return
	}
	defer r.Body.Close()
	_ = json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
