package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"switchboard/internal/domain"
	"switchboard/internal/infra/middleware"
)

// Server exposes the Switchboard's HTTP surface: the ingest endpoint
// connectors post to, the route.v1/notify.v1 endpoints peer butlers call
// when they can't reach each other's MCP tools directly, and a websocket
// feed of domain events for observability.
type Server struct {
	addr      string
	pipeline  *Pipeline
	deliverer *Deliverer
	bus       domain.EventBus
	logger    *slog.Logger

	server    *http.Server
	boundAddr string
	ctx       context.Context
	cancel    context.CancelFunc

	wsMu   sync.Mutex
	wsConn map[*websocket.Conn]struct{}
}

// NewServer constructs a Server.
func NewServer(addr string, pipeline *Pipeline, deliverer *Deliverer, bus domain.EventBus, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		pipeline:  pipeline,
		deliverer: deliverer,
		bus:       bus,
		logger:    logger,
		wsConn:    make(map[*websocket.Conn]struct{}),
	}
}

// Start begins serving. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/switchboard/ingest", s.handleIngest)
	mux.HandleFunc("/api/switchboard/notify", s.handleNotify)
	mux.HandleFunc("/api/switchboard/events", s.handleEvents)
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	secureHandler := middleware.SecurityHeaders(
		middleware.RateLimit(s.ctx, 300, 60)(mux),
	)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           secureHandler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("switchboard: listen %s: %w", s.addr, err)
	}
	s.boundAddr = ln.Addr().String()

	if s.bus != nil {
		s.bus.SubscribeAll(s.broadcast)
	}

	go func() {
		s.logger.Info("switchboard server started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("switchboard server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body: " + err.Error()})
		return
	}

	resp, err := s.pipeline.Ingest(r.Context(), raw)
	if err != nil {
		errEnv := domain.ClassifyError(err)
		status := http.StatusInternalServerError
		if errEnv.Class == domain.ClassValidation {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"error": errEnv})
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body: " + err.Error()})
		return
	}
	if err := ValidateNotifyEnvelope(raw); err != nil {
		errEnv := domain.ClassifyError(err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errEnv})
		return
	}

	var req domain.NotifyV1
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	resp := s.deliverer.Deliver(r.Context(), req)
	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents upgrades to a websocket and streams every published domain
// event as JSON, for dashboards and debugging tools.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	s.wsMu.Lock()
	s.wsConn[conn] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConn, conn)
		s.wsMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	<-ctx.Done()
}

func (s *Server) broadcast(ctx context.Context, event domain.Event) {
	s.wsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.wsConn))
	for c := range s.wsConn {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = wsjson.Write(writeCtx, c, event)
		cancel()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
