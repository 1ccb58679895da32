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

const openaiDefaultBaseURL = "https://api.openai.com"

// OpenAIProvider adapts the Chat Completions API. Prefix caching is
// automatic upstream above ~1k tokens; cached reads come back in
// usage.prompt_tokens_details.cached_tokens and there is no write surcharge.
type OpenAIProvider struct {
	cfg        ProviderConfig
	baseURL    string
	httpClient *http.Client
	tiers      []*catalog.ModelTier
	health     *healthTracker
}

func NewOpenAIProvider(cat *catalog.Registry) *OpenAIProvider {
	return &OpenAIProvider{
		tiers:  cat.ByProvider(catalog.ProviderOpenAI),
		health: &healthTracker{},
	}
}

func (p *OpenAIProvider) ID() catalog.ProviderID { return catalog.ProviderOpenAI }
func (p *OpenAIProvider) Priority() int          { return p.cfg.Priority }

func (p *OpenAIProvider) Initialize(cfg ProviderConfig) error {
	if cfg.APIKey == "" {
		return newError(ErrProviderPermanent, StageUpstream, "openai: api key is required")
	}
	p.cfg = cfg
	p.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if p.baseURL == "" {
		p.baseURL = openaiDefaultBaseURL
	}
	p.httpClient = &http.Client{Timeout: cfg.timeout()}
	return nil
}

// OpenAI wire format. The xAI adapter reuses these structs and the send
// helpers for its compatible envelope.

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_completion_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func openaiBuildRequest(pl *Payload, stream bool) *openaiRequest {
	req := &openaiRequest{
		Model:       pl.Tier.UpstreamID,
		MaxTokens:   pl.MaxTokens,
		Temperature: pl.Temperature,
		Stream:      stream,
	}
	// No system-block structure in this envelope; cache markers are moot
	// because prefix caching is automatic upstream.
	for _, b := range pl.System {
		req.Messages = append(req.Messages, openaiMessage{Role: "system", Content: b.Text})
	}
	for _, m := range pl.Messages {
		req.Messages = append(req.Messages, openaiMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

func openaiFinish(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishMaxTokens
	case "tool_calls", "function_call":
		return FinishToolUse
	}
	return FinishStop
}

// openaiCompletion converts a decoded compatible-envelope response. Upstream
// prompt_tokens include cached reads, so the uncached count is the
// difference.
func openaiCompletion(resp *openaiResponse, elapsed time.Duration) *Completion {
	content := ""
	finish := FinishStop
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = openaiFinish(resp.Choices[0].FinishReason)
	}
	cached := resp.Usage.PromptTokensDetails.CachedTokens
	uncached := resp.Usage.PromptTokens - cached
	if uncached < 0 {
		uncached = 0
	}
	return &Completion{
		Content:           content,
		UpstreamModel:     resp.Model,
		InputTokens:       uncached,
		CachedInputTokens: cached,
		OutputTokens:      resp.Usage.CompletionTokens,
		FinishReason:      finish,
		DurationMS:        elapsed.Milliseconds(),
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, pl *Payload) (*Completion, error) {
	return withRetries(ctx, p.cfg.MaxRetries, func() (*Completion, error) {
		start := time.Now()
		resp, err := openaiSend(ctx, p.httpClient, p.baseURL, p.cfg.APIKey, "openai", openaiBuildRequest(pl, false))
		if err != nil {
			p.health.recordFailure()
			return nil, err
		}
		elapsed := time.Since(start)
		p.health.recordSuccess(elapsed)
		return openaiCompletion(resp, elapsed), nil
	})
}

// openaiSend posts to a compatible /v1/chat/completions endpoint. The vendor
// tag only colors error messages; xAI reuses this path.
func openaiSend(ctx context.Context, client *http.Client, baseURL, apiKey, vendor string, req *openaiRequest) (*openaiResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, vendor+": marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, vendor+": build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		if cerr := fromContextErr(ctx, StageUpstream); cerr != nil {
			return nil, cerr
		}
		return nil, wrapError(ErrProviderTransient, StageUpstream, vendor+": request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(ErrProviderTransient, StageUpstream, vendor+": read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		code := classifyStatus(resp.StatusCode)
		return nil, newErrorf(code, StageUpstream, "%s: status %d: %s", vendor, resp.StatusCode, truncate(string(raw), 300))
	}

	var out openaiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, wrapError(ErrProviderTransient, StageUpstream, vendor+": decode response", err)
	}
	if out.Error != nil {
		return nil, newErrorf(ErrProviderPermanent, StageUpstream, "%s: %s: %s", vendor, out.Error.Type, out.Error.Message)
	}
	return &out, nil
}

// openaiStream opens a compatible SSE stream and pumps chunks until [DONE].
func openaiStream(ctx context.Context, client *http.Client, baseURL, apiKey, vendor string, health *healthTracker, req *openaiRequest) (<-chan StreamChunk, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, vendor+": marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, wrapError(ErrProviderPermanent, StageUpstream, vendor+": build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		health.recordFailure()
		return nil, wrapError(ErrProviderTransient, StageUpstream, vendor+": stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		health.recordFailure()
		return nil, newErrorf(classifyStatus(resp.StatusCode), StageUpstream, "%s: stream status %d: %s", vendor, resp.StatusCode, truncate(string(raw), 300))
	}

	out := make(chan StreamChunk, 16)
	start := time.Now()
	go func() {
		defer close(out)
		defer resp.Body.Close()

		type streamEvent struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				health.recordSuccess(time.Since(start))
				out <- StreamChunk{Type: ChunkDone}
				return
			}
			var ev streamEvent
			if json.Unmarshal([]byte(data), &ev) != nil || len(ev.Choices) == 0 {
				continue
			}
			d := ev.Choices[0].Delta
			if d.Content != "" {
				out <- StreamChunk{Type: ChunkTextDelta, Text: d.Content}
			}
			for _, tc := range d.ToolCalls {
				out <- StreamChunk{Type: ChunkToolCall, Tool: &ToolCall{Name: tc.Function.Name, Args: tc.Function.Arguments}}
			}
		}
		if err := scanner.Err(); err != nil {
			health.recordFailure()
			out <- StreamChunk{Type: ChunkDone, Err: wrapError(ErrProviderTransient, StageUpstream, vendor+": stream interrupted", err)}
			return
		}
		health.recordSuccess(time.Since(start))
		out <- StreamChunk{Type: ChunkDone}
	}()
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, pl *Payload) (<-chan StreamChunk, error) {
	return openaiStream(ctx, p.httpClient, p.baseURL, p.cfg.APIKey, "openai", p.health, openaiBuildRequest(pl, true))
}

func (p *OpenAIProvider) TestConnection(ctx context.Context) ConnectionTest {
	if len(p.tiers) == 0 {
		return ConnectionTest{Error: "no openai tiers in catalog"}
	}
	start := time.Now()
	_, err := openaiSend(ctx, p.httpClient, p.baseURL, p.cfg.APIKey, "openai", &openaiRequest{
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

func (p *OpenAIProvider) ListModels() []string {
	out := make([]string, 0, len(p.tiers))
	for _, t := range p.tiers {
		out = append(out, t.ID)
	}
	return out
}

func (p *OpenAIProvider) SupportsModel(model string) bool {
	for _, t := range p.tiers {
		if t.ID == model {
			return true
		}
	}
	return false
}

func (p *OpenAIProvider) SupportsCaching() bool { return true }

func (p *OpenAIProvider) GetHealthStatus() HealthStatus { return p.health.snapshot() }

func (p *OpenAIProvider) Shutdown(ctx context.Context) error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

var _ LLMProvider = (*OpenAIProvider)(nil)
