package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"maestro/internal/catalog"
)

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GoogleProvider adapts the Gemini generateContent API. Context caching is
// manual upstream with a 32k-token minimum; cached reads show up in
// usageMetadata.cachedContentTokenCount and writes are free in this pricing
// model.
type GoogleProvider struct {
	cfg        ProviderConfig
	baseURL    string
	httpClient *http.Client
	tiers      []*catalog.ModelTier
	health     *healthTracker
}

func NewGoogleProvider(cat *catalog.Registry) *GoogleProvider {
	return &GoogleProvider{
		tiers:  cat.ByProvider(catalog.ProviderGoogle),
		health: &healthTracker{},
	}
}

func (p *GoogleProvider) ID() catalog.ProviderID { return catalog.ProviderGoogle }
func (p *GoogleProvider) Priority() int          { return p.cfg.Priority }

func (p *GoogleProvider) Initialize(cfg ProviderConfig) error {
	if cfg.APIKey == "" {
		return newError(ErrProviderPermanent, StageUpstream, "google: api key is required")
	}
	p.cfg = cfg
	p.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if p.baseURL == "" {
		p.baseURL = googleDefaultBaseURL
	}
	p.httpClient = &http.Client{Timeout: cfg.timeout()}
	return nil
}

// Gemini wire format.

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (p *GoogleProvider) buildRequest(pl *Payload) *geminiRequest {
	req := &geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: pl.MaxTokens,
			Temperature:     pl.Temperature,
		},
	}
	if len(pl.System) > 0 {
		sys := &geminiContent{}
		for _, b := range pl.System {
			sys.Parts = append(sys.Parts, geminiPart{Text: b.Text})
		}
		req.SystemInstruction = sys
	}
	for _, m := range pl.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return req
}

func geminiFinish(reason string) FinishReason {
	switch reason {
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishMaxTokens
	case "TOOL_USE", "FUNCTION_CALL":
		return FinishToolUse
	}
	return FinishStop
}

func (p *GoogleProvider) Complete(ctx context.Context, pl *Payload) (*Completion, error) {
	return withRetries(ctx, p.cfg.MaxRetries, func() (*Completion, error) {
		start := time.Now()
		resp, err := p.send(ctx, pl.Tier.UpstreamID, p.buildRequest(pl))
		if err != nil {
			p.health.recordFailure()
			return nil, err
		}
		elapsed := time.Since(start)
		p.health.recordSuccess(elapsed)

		var content strings.Builder
		finish := FinishStop
		if len(resp.Candidates) > 0 {
			for _, part := range resp.Candidates[0].Content.Parts {
				content.WriteString(part.Text)
			}
			finish = geminiFinish(resp.Candidates[0].FinishReason)
		}
		cached := resp.UsageMetadata.CachedContentTokenCount
		uncached := resp.UsageMetadata.PromptTokenCount - cached
		if uncached < 0 {
			uncached = 0
		}
		return &Completion{
			Content:           content.String(),
			UpstreamModel:     pl.Tier.UpstreamID,
			InputTokens:       uncached,
			CachedInputTokens: cached,
			OutputTokens:      resp.UsageMetadata.CandidatesTokenCount,
			FinishReason:      finish,
			DurationMS:        elapsed.Milliseconds(),
		}, nil
	})
}

func (p *GoogleProvider) send(ctx context.Context, model string, req *geminiRequest) (*geminiResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "google: marshal request", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, model, url.QueryEscape(p.cfg.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "google: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
			return nil, cerr
		}
		return nil, wrapError(ErrProviderTransient, StageUpstream, "google: request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(ErrProviderTransient, StageUpstream, "google: read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		code := classifyStatus(resp.StatusCode)
		return nil, newErrorf(code, StageUpstream, "google: status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, wrapError(ErrProviderTransient, StageUpstream, "google: decode response", err)
	}
	if out.Error != nil {
		return nil, newErrorf(ErrProviderPermanent, StageUpstream, "google: %s: %s", out.Error.Status, out.Error.Message)
	}
	return &out, nil
}

// Stream uses streamGenerateContent with SSE framing. Gemini sends complete
// JSON responses per event; the final one carries usage metadata.
func (p *GoogleProvider) Stream(ctx context.Context, pl *Payload) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(pl))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "google: marshal request", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, pl.Tier.UpstreamID, url.QueryEscape(p.cfg.APIKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "google: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.health.recordFailure()
		return nil, wrapError(ErrProviderTransient, StageUpstream, "google: stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		p.health.recordFailure()
		return nil, newErrorf(classifyStatus(resp.StatusCode), StageUpstream, "google: stream status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	out := make(chan StreamChunk, 16)
	start := time.Now()
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var ev geminiResponse
			if json.Unmarshal([]byte(data), &ev) != nil || len(ev.Candidates) == 0 {
				continue
			}
			for _, part := range ev.Candidates[0].Content.Parts {
				if part.Text != "" {
					out <- StreamChunk{Type: ChunkTextDelta, Text: part.Text}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			p.health.recordFailure()
			out <- StreamChunk{Type: ChunkDone, Err: wrapError(ErrProviderTransient, StageUpstream, "google: stream interrupted", err)}
			return
		}
		p.health.recordSuccess(time.Since(start))
		out <- StreamChunk{Type: ChunkDone}
	}()
	return out, nil
}

func (p *GoogleProvider) TestConnection(ctx context.Context) ConnectionTest {
	if len(p.tiers) == 0 {
		return ConnectionTest{Error: "no google tiers in catalog"}
	}
	start := time.Now()
	_, err := p.send(ctx, p.tiers[0].UpstreamID, &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "ping"}}}},
		GenerationConfig: geminiGenerationConfig{MaxOutputTokens: 5},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		p.health.recordFailure()
		return ConnectionTest{LatencyMS: latency, Error: err.Error()}
	}
	p.health.recordSuccess(time.Since(start))
	return ConnectionTest{Connected: true, LatencyMS: latency}
}

func (p *GoogleProvider) ListModels() []string {
	out := make([]string, 0, len(p.tiers))
	for _, t := range p.tiers {
		out = append(out, t.ID)
	}
	return out
}

func (p *GoogleProvider) SupportsModel(model string) bool {
	for _, t := range p.tiers {
		if t.ID == model {
			return true
		}
	}
	return false
}

func (p *GoogleProvider) SupportsCaching() bool { return true }

func (p *GoogleProvider) GetHealthStatus() HealthStatus { return p.health.snapshot() }

func (p *GoogleProvider) Shutdown(ctx context.Context) error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

var _ LLMProvider = (*GoogleProvider)(nil)
