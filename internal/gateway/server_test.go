package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samuelwildary2025/novo-agente/internal/channels"
)

type stubEngine struct {
	bodies []string
	status string
	direct DirectResult
	err    error
}

func (s *stubEngine) HandleInbound(_ context.Context, raw []byte) string {
	s.bodies = append(s.bodies, string(raw))
	return s.status
}

func (s *stubEngine) Direct(_ context.Context, phone, text string) (DirectResult, error) {
	if s.err != nil {
		return DirectResult{}, s.err
	}
	return s.direct, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, out
}

func TestWebhookRoutes(t *testing.T) {
	eng := &stubEngine{status: channels.StatusBuffering}
	mux := NewServer(ServerConfig{}, eng).BuildMux()

	for _, path := range []string{"/", "/webhook/whatsapp"} {
		code, out := do(t, mux, http.MethodPost, path, `{"from":"5585999999999","body":"oi"}`, nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "buffering", out["status"])
	}
	assert.Len(t, eng.bodies, 2)
}

func TestRootAndHealth(t *testing.T) {
	mux := NewServer(ServerConfig{}, &stubEngine{}).BuildMux()

	code, out := do(t, mux, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "online", out["status"])
	assert.Equal(t, Version, out["ver"])

	code, out = do(t, mux, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", out["status"])
	_, err := time.Parse(time.RFC3339, out["ts"].(string))
	assert.NoError(t, err)
}

func TestDirectMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	eng := &stubEngine{direct: DirectResult{Key: "5585999999999", Reply: "Temos sim!", Timestamp: ts}}
	mux := NewServer(ServerConfig{}, eng).BuildMux()

	code, out := do(t, mux, http.MethodPost, "/message", `{"telefone":"5585999999999","mensagem":"tem leite?"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Temos sim!", out["response"])
	assert.Equal(t, "5585999999999", out["telefone"])
	assert.Equal(t, "2026-01-02T03:04:05Z", out["timestamp"])
	assert.NotContains(t, out, "error")
}

func TestDirectMessage_Failure(t *testing.T) {
	eng := &stubEngine{err: errors.New("llm down")}
	mux := NewServer(ServerConfig{}, eng).BuildMux()

	code, out := do(t, mux, http.MethodPost, "/message", `{"telefone":"5585999999999","mensagem":"oi"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "", out["response"])
	assert.Equal(t, "llm down", out["error"])

	code, _ = do(t, mux, http.MethodPost, "/message", `{bad`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDirectMessage_Auth(t *testing.T) {
	eng := &stubEngine{direct: DirectResult{Reply: "ok"}}
	mux := NewServer(ServerConfig{Token: "s3cret"}, eng).BuildMux()
	body := `{"telefone":"5585999999999","mensagem":"oi"}`

	code, _ := do(t, mux, http.MethodPost, "/message", body, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, mux, http.MethodPost, "/message", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out := do(t, mux, http.MethodPost, "/message", body, map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])

	// the webhook stays open: providers cannot send bearer tokens
	eng.status = channels.StatusIgnored
	code, _ = do(t, mux, http.MethodPost, "/webhook/whatsapp", `{}`, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, &stubEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
