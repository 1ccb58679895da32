package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"maestro/internal/catalog"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider adapts the Anthropic Messages API to the uniform
// completion contract. System blocks carry ephemeral cache_control markers
// when the payload requests caching.
type AnthropicProvider struct {
	cfg        ProviderConfig
	baseURL    string
	httpClient *http.Client
	tiers      []*catalog.ModelTier
	health     *healthTracker
}

// NewAnthropicProvider returns an uninitialized adapter; call Initialize
// before use.
func NewAnthropicProvider(cat *catalog.Registry) *AnthropicProvider {
	return &AnthropicProvider{
		tiers:  cat.ByProvider(catalog.ProviderAnthropic),
		health: &healthTracker{},
	}
}

func (p *AnthropicProvider) ID() catalog.ProviderID { return catalog.ProviderAnthropic }
func (p *AnthropicProvider) Priority() int          { return p.cfg.Priority }

// Initialize stores credentials and builds the HTTP client. One-shot.
func (p *AnthropicProvider) Initialize(cfg ProviderConfig) error {
	if cfg.APIKey == "" {
		return newError(ErrProviderPermanent, StageUpstream, "anthropic: api key is required")
	}
	p.cfg = cfg
	p.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if p.baseURL == "" {
		p.baseURL = anthropicDefaultBaseURL
	}
	p.httpClient = &http.Client{Timeout: cfg.timeout()}
	return nil
}

// Anthropic wire format.

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
	Messages    []anthropicMessage     `json:"messages"`
	Temperature float64                `json:"temperature,omitempty"`
	Stream      bool                   `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) buildRequest(pl *Payload, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:       pl.Tier.UpstreamID,
		MaxTokens:   pl.MaxTokens,
		Temperature: pl.Temperature,
		Stream:      stream,
	}
	for _, b := range pl.System {
		blk := anthropicSystemBlock{Type: "text", Text: b.Text}
		if b.Cache {
			blk.CacheControl = &anthropicCacheControl{Type: "ephemeral"}
		}
		req.System = append(req.System, blk)
	}
	for _, m := range pl.Messages {
		req.Messages = append(req.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

// Complete sends one Messages call and returns token counts as reported.
func (p *AnthropicProvider) Complete(ctx context.Context, pl *Payload) (*Completion, error) {
	return withRetries(ctx, p.cfg.MaxRetries, func() (*Completion, error) {
		start := time.Now()
		resp, err := p.send(ctx, p.buildRequest(pl, false))
		if err != nil {
			p.health.recordFailure()
			return nil, err
		}
		elapsed := time.Since(start)
		p.health.recordSuccess(elapsed)

		var content strings.Builder
		for _, c := range resp.Content {
			if c.Type == "text" {
				content.WriteString(c.Text)
			}
		}
		return &Completion{
			Content:           content.String(),
			UpstreamModel:     resp.Model,
			InputTokens:       resp.Usage.InputTokens,
			CachedInputTokens: resp.Usage.CacheReadInputTokens,
			CacheWriteTokens:  resp.Usage.CacheCreationInputTokens,
			OutputTokens:      resp.Usage.OutputTokens,
			FinishReason:      anthropicFinish(resp.StopReason),
			DurationMS:        elapsed.Milliseconds(),
		}, nil
	})
}

func anthropicFinish(stop string) FinishReason {
	switch stop {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishMaxTokens
	case "tool_use":
		return FinishToolUse
	}
	return FinishStop
}

func (p *AnthropicProvider) send(ctx context.Context, req *anthropicRequest) (*anthropicResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "anthropic: marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "anthropic: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
			return nil, cerr
		}
		return nil, wrapError(ErrProviderTransient, StageUpstream, "anthropic: request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(ErrProviderTransient, StageUpstream, "anthropic: read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		code := classifyStatus(resp.StatusCode)
		return nil, newErrorf(code, StageUpstream, "anthropic: status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, wrapError(ErrProviderTransient, StageUpstream, "anthropic: decode response", err)
	}
	if out.Error != nil {
		return nil, newErrorf(ErrProviderPermanent, StageUpstream, "anthropic: %s: %s", out.Error.Type, out.Error.Message)
	}
	return &out, nil
}

// Stream sends a streaming Messages call. The returned channel is finite and
// always ends with a ChunkDone record; cancelling ctx aborts the upstream
// request.
func (p *AnthropicProvider) Stream(ctx context.Context, pl *Payload) (<-chan StreamChunk, error) {
	body, err := json.Marshal(p.buildRequest(pl, true))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "anthropic: marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, "anthropic: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.health.recordFailure()
		return nil, wrapError(ErrProviderTransient, StageUpstream, "anthropic: stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		p.health.recordFailure()
		return nil, newErrorf(classifyStatus(resp.StatusCode), StageUpstream, "anthropic: stream status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	out := make(chan StreamChunk, 16)
	start := time.Now()
	go func() {
		defer close(out)
		defer resp.Body.Close()

		type deltaEvent struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			ContentBlock struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"content_block"`
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var ev deltaEvent
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					out <- StreamChunk{Type: ChunkTextDelta, Text: ev.Delta.Text}
				}
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					out <- StreamChunk{Type: ChunkToolCall, Tool: &ToolCall{Name: ev.ContentBlock.Name}}
				}
			case "message_stop":
				p.health.recordSuccess(time.Since(start))
				out <- StreamChunk{Type: ChunkDone}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			p.health.recordFailure()
			out <- StreamChunk{Type: ChunkDone, Err: wrapError(ErrProviderTransient, StageUpstream, "anthropic: stream interrupted", err)}
			return
		}
		p.health.recordSuccess(time.Since(start))
		out <- StreamChunk{Type: ChunkDone}
	}()
	return out, nil
}

// TestConnection sends a minimal call against the cheapest tier.
func (p *AnthropicProvider) TestConnection(ctx context.Context) ConnectionTest {
	if len(p.tiers) == 0 {
		return ConnectionTest{Error: "no anthropic tiers in catalog"}
	}
	start := time.Now()
	_, err := p.send(ctx, &anthropicRequest{
		Model:     p.tiers[0].UpstreamID,
		MaxTokens: 5,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		p.health.recordFailure()
		return ConnectionTest{LatencyMS: latency, Error: err.Error()}
	}
	p.health.recordSuccess(time.Since(start))
	return ConnectionTest{Connected: true, LatencyMS: latency}
}

func (p *AnthropicProvider) ListModels() []string {
	out := make([]string, 0, len(p.tiers))
	for _, t := range p.tiers {
		out = append(out, t.ID)
	}
	return out
}

func (p *AnthropicProvider) SupportsModel(model string) bool {
	for _, t := range p.tiers {
		if t.ID == model {
			return true
		}
	}
	return false
}

func (p *AnthropicProvider) SupportsCaching() bool { return true }

func (p *AnthropicProvider) GetHealthStatus() HealthStatus { return p.health.snapshot() }

// Shutdown releases the client's idle connections.
func (p *AnthropicProvider) Shutdown(ctx context.Context) error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ LLMProvider = (*AnthropicProvider)(nil)
