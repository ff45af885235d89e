package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Version is reported by GET /.
var Version = "dev"

const maxWebhookBody = 10 << 20 // media events may embed base64

// InboundEngine is the engine surface the HTTP server needs.
type InboundEngine interface {
	HandleInbound(ctx context.Context, raw []byte) string
	Direct(ctx context.Context, phone, text string) (DirectResult, error)
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr  string
	Token string // bearer token for POST /message; empty = open
}

// Server exposes the webhook, direct invocation and health endpoints.
type Server struct {
	cfg    ServerConfig
	engine InboundEngine

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg ServerConfig, engine InboundEngine) *Server {
	return &Server{cfg: cfg, engine: engine}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// Provider webhook (both paths are configured in the wild)
	mux.HandleFunc("POST /{$}", s.handleWebhook)
	mux.HandleFunc("POST /webhook/whatsapp", s.handleWebhook)

	// Direct invocation
	mux.HandleFunc("POST /message", s.authMiddleware(s.handleMessage))

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("webhook: read body failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "ignored", "error": "unreadable body"})
		return
	}
	status := s.engine.HandleInbound(r.Context(), body)
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type directRequest struct {
	Telefone string `json:"telefone"`
	Mensagem string `json:"mensagem"`
}

type directResponse struct {
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	Telefone  string `json:"telefone"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, directResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	res, err := s.engine.Direct(r.Context(), req.Telefone, req.Mensagem)
	if err != nil {
		slog.Warn("direct: failed", "telefone", req.Telefone, "error", err)
		writeJSON(w, http.StatusOK, directResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, directResponse{
		Success:   true,
		Response:  res.Reply,
		Telefone:  req.Telefone,
		Timestamp: res.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "online", "ver": Version})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"ts":     time.Now().Format(time.RFC3339),
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := extractBearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
