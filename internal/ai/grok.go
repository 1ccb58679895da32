package ai

import (
	"context"
	"net/http"
	"strings"
	"time"

	"maestro/internal/catalog"
)

const xaiDefaultBaseURL = "https://api.x.ai"

// XAIProvider adapts the xAI API, which speaks the OpenAI-compatible chat
// envelope, so the wire handling is shared with the OpenAI adapter. Prefix
// caching is automatic with no write surcharge.
type XAIProvider struct {
	cfg        ProviderConfig
	baseURL    string
	httpClient *http.Client
	tiers      []*catalog.ModelTier
	health     *healthTracker
}

func NewXAIProvider(cat *catalog.Registry) *XAIProvider {
	return &XAIProvider{
		tiers:  cat.ByProvider(catalog.ProviderXAI),
		health: &healthTracker{},
	}
}

func (p *XAIProvider) ID() catalog.ProviderID { return catalog.ProviderXAI }
func (p *XAIProvider) Priority() int          { return p.cfg.Priority }

func (p *XAIProvider) Initialize(cfg ProviderConfig) error {
	if cfg.APIKey == "" {
		return newError(ErrProviderPermanent, StageUpstream, "xai: api key is required")
	}
	p.cfg = cfg
	p.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if p.baseURL == "" {
		p.baseURL = xaiDefaultBaseURL
	}
	p.httpClient = &http.Client{Timeout: cfg.timeout()}
	return nil
}

func (p *XAIProvider) Complete(ctx context.Context, pl *Payload) (*Completion, error) {
	return withRetries(ctx, p.cfg.MaxRetries, func() (*Completion, error) {
		start := time.Now()
		resp, err := openaiSend(ctx, p.httpClient, p.baseURL, p.cfg.APIKey, "xai", openaiBuildRequest(pl, false))
		if err != nil {
			p.health.recordFailure()
			return nil, err
		}
		elapsed := time.Since(start)
		p.health.recordSuccess(elapsed)
		return openaiCompletion(resp, elapsed), nil
	})
}

func (p *XAIProvider) Stream(ctx context.Context, pl *Payload) (<-chan StreamChunk, error) {
	return openaiStream(ctx, p.httpClient, p.baseURL, p.cfg.APIKey, "xai", p.health, openaiBuildRequest(pl, true))
}

func (p *XAIProvider) TestConnection(ctx context.Context) ConnectionTest {
	if len(p.tiers) == 0 {
		return ConnectionTest{Error: "no xai tiers in catalog"}
	}
	start := time.Now()
	_, err := openaiSend(ctx, p.httpClient, p.baseURL, p.cfg.APIKey, "xai", &openaiRequest{
		Model:     p.tiers[0].UpstreamID,
		MaxTokens: 5,
		Messages:  []openaiMessage{{Role: "user", Content: "ping"}},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		p.health.recordFailure()
		return ConnectionTest{LatencyMS: latency, Error: err.Error()}
	}
	p.health.recordSuccess(time.Since(start))
	return ConnectionTest{Connected: true, LatencyMS: latency}
}

func (p *XAIProvider) ListModels() []string {
	out := make([]string, 0, len(p.tiers))
	for _, t := range p.tiers {
		out = append(out, t.ID)
	}
	return out
}

func (p *XAIProvider) SupportsModel(model string) bool {
	for _, t := range p.tiers {
		if t.ID == model {
			return true
		}
	}
	return false
}

func (p *XAIProvider) SupportsCaching() bool { return true }

func (p *XAIProvider) GetHealthStatus() HealthStatus { return p.health.snapshot() }

func (p *XAIProvider) Shutdown(ctx context.Context) error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

var _ LLMProvider = (*XAIProvider)(nil)
