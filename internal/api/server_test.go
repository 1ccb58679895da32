package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"maestro/internal/ai"
	"maestro/internal/catalog"
	"maestro/internal/config"
	"maestro/internal/events"
	"maestro/internal/spend"
)

// stubProvider claims every catalog model and answers with a canned
// completion.
type stubProvider struct {
	priority int
}

func (p *stubProvider) ID() catalog.ProviderID { return catalog.ProviderAnthropic }
func (p *stubProvider) Priority() int          { return p.priority }

func (p *stubProvider) Initialize(cfg ai.ProviderConfig) error {
	p.priority = cfg.Priority
	return nil
}

func (p *stubProvider) Complete(ctx context.Context, pl *ai.Payload) (*ai.Completion, error) {
	return &ai.Completion{
		Content:      "stub answer",
		InputTokens:  100,
		OutputTokens: 50,
		FinishReason: ai.FinishStop,
	}, nil
}

func (p *stubProvider) Stream(ctx context.Context, pl *ai.Payload) (<-chan ai.StreamChunk, error) {
	ch := make(chan ai.StreamChunk, 1)
	ch <- ai.StreamChunk{Type: ai.ChunkDone}
	close(ch)
	return ch, nil
}

func (p *stubProvider) TestConnection(ctx context.Context) ai.ConnectionTest {
	return ai.ConnectionTest{Connected: true}
}

func (p *stubProvider) ListModels() []string            { return nil }
func (p *stubProvider) SupportsModel(model string) bool { return true }
func (p *stubProvider) SupportsCaching() bool           { return true }

func (p *stubProvider) GetHealthStatus() ai.HealthStatus {
	return ai.HealthStatus{Status: ai.HealthHealthy, CircuitBreakerState: ai.CircuitClosed}
}

func (p *stubProvider) Shutdown(ctx context.Context) error { return nil }

// denyTracker refuses every request at the budget gate.
type denyTracker struct{}

func (denyTracker) CanProceed(ctx context.Context, estimatedTokens int, priority ai.Priority) ai.BudgetDecision {
	return ai.BudgetDecision{Allowed: false, Reason: "budget exhausted", Level: ai.ThrottlePause}
}
func (denyTracker) Track(ctx context.Context, usage ai.UsageRecord) error { return nil }
func (denyTracker) ThrottleLevel() ai.ThrottleLevel                       { return ai.ThrottlePause }
func (denyTracker) Shutdown(ctx context.Context) error                    { return nil }

type serverOpts struct {
	cfg     *config.Config
	tracker ai.CostTracker
	store   *spend.Store
}

func newTestServer(t *testing.T, opts serverOpts) *Server {
	t.Helper()

	cfg := opts.cfg
	if cfg == nil {
		cfg = &config.Config{Environment: "production", Port: 0}
	}

	cat := catalog.NewRegistry()
	registry := ai.NewProviderRegistry(cat)
	require.NoError(t, registry.Register(&stubProvider{}, ai.ProviderConfig{
		Priority: 1, Enabled: true, RPS: 1000,
	}))

	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	orch := ai.NewOrchestrator(ai.OrchestratorConfig{
		Flags:       ai.FeatureFlags{Enabled: true},
		Catalog:     cat,
		Registry:    registry,
		Bus:         bus,
		CostTracker: opts.tracker,
	})

	return NewServer(cfg, orch, registry, cat, opts.store, bus)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestExecuteReturnsCompletion(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodPost, "/v1/ai/execute", map[string]any{
		"content":  "write a small helper function",
		"category": "code_generation",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "stub answer", body["content"])
	assert.Equal(t, "anthropic", body["provider"])
	assert.NotEmpty(t, body["request_id"])
	assert.NotEmpty(t, body["model"])
}

func TestExecuteRejectsUnknownCategory(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodPost, "/v1/ai/execute", map[string]any{
		"content":  "anything",
		"category": "bogus",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["code"])
}

func TestExecuteMalformedBodyIs400(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	req := httptest.NewRequest(http.MethodPost, "/v1/ai/execute", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBudgetDenialMapsTo402(t *testing.T) {
	s := newTestServer(t, serverOpts{tracker: denyTracker{}})
	w := doJSON(t, s, http.MethodPost, "/v1/ai/execute", map[string]any{
		"content":  "anything",
		"category": "query",
	}, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "budget_exceeded", decode(t, w)["code"])
}

func TestQueryEndpoint(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodPost, "/v1/ai/query", map[string]any{"text": "what is up"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "stub answer", decode(t, w)["answer"])
}

func TestChatEndpointRequiresMessages(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodPost, "/v1/ai/chat", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/ai/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "stub answer", decode(t, w)["reply"])
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestModelsEndpointReportsAvailability(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodGet, "/v1/ai/models", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	models, ok := body["models"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, models)
	first, ok := models[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, first["available"])
}

func TestProviderHealthEndpoint(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodGet, "/v1/ai/providers/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	providers, ok := body["providers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, providers, "anthropic")
}

func TestSpendWithoutStoreIs503(t *testing.T) {
	s := newTestServer(t, serverOpts{})
	w := doJSON(t, s, http.MethodGet, "/v1/ai/spend", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSpendEndpointReportsTotals(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s/api.db", t.TempDir())),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	store, err := spend.NewStoreWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Record(&spend.SpendEvent{
		RequestID: "r1", Provider: "anthropic", Model: catalog.ClaudeHaiku45,
		CostMicrocents: int64(catalog.FromDollars(0.50)),
	}))

	s := newTestServer(t, serverOpts{store: store})
	w := doJSON(t, s, http.MethodGet, "/v1/ai/spend", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	daily, ok := body["daily"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.50, daily["cost_dollars"], 1e-6)
	assert.EqualValues(t, 1, daily["requests"])
}

func TestAuthStaticKey(t *testing.T) {
	cfg := &config.Config{Environment: "production", APIKey: "top-secret"}
	s := newTestServer(t, serverOpts{cfg: cfg})

	w := doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, http.Header{
		"Authorization": []string{"Bearer wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, http.Header{
		"Authorization": []string{"Bearer top-secret"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open regardless of auth config.
	w = doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{Environment: "production", APIKeyHash: string(hash)}
	s := newTestServer(t, serverOpts{cfg: cfg})

	w := doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, http.Header{
		"Authorization": []string{"Bearer hashed-key"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, http.Header{
		"Authorization": []string{"Bearer not-the-key"},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthServiceToken(t *testing.T) {
	const secret = "jwt-signing-secret"
	cfg := &config.Config{Environment: "production", JWTSecret: secret}
	s := newTestServer(t, serverOpts{cfg: cfg})

	claims := jwt.MapClaims{
		"sub": "builder-agent",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	w := doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = doJSON(t, s, http.MethodGet, "/v1/ai/status", nil, http.Header{
		"Authorization": []string{"Bearer " + forged},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
