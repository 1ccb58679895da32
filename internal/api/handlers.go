package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"maestro/internal/ai"
)

// writeError maps the core taxonomy onto HTTP statuses with a uniform JSON
// body.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{
		"error":      err.Error(),
		"code":       "internal",
		"request_id": c.GetString("request_id"),
	}

	var aerr *ai.Error
	if errors.As(err, &aerr) {
		body["code"] = string(aerr.Code)
		body["stage"] = string(aerr.Stage)
		if aerr.Provider != "" {
			body["provider"] = string(aerr.Provider)
		}
		if aerr.Model != "" {
			body["model"] = aerr.Model
		}
		switch aerr.Code {
		case ai.ErrInvalidRequest:
			status = http.StatusBadRequest
		case ai.ErrBudgetExceeded:
			status = http.StatusPaymentRequired
		case ai.ErrGovernanceDenied:
			status = http.StatusForbidden
		case ai.ErrCircuitOpen, ai.ErrNoProvider, ai.ErrNoAvailableModels, ai.ErrDisabled:
			status = http.StatusServiceUnavailable
		case ai.ErrTimeout:
			status = http.StatusGatewayTimeout
		case ai.ErrCancelled:
			// Client went away; 499 in nginx terms, nearest standard code.
			status = http.StatusBadRequest
		case ai.ErrProviderTransient:
			status = http.StatusBadGateway
		case ai.ErrProviderPermanent:
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, body)
}

func (s *Server) bindRequest(c *gin.Context) (*ai.AIRequest, bool) {
	var req ai.AIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid JSON body: " + err.Error(),
			"code":  string(ai.ErrInvalidRequest),
		})
		return nil, false
	}
	if req.Agent == "" {
		req.Agent = c.GetString("agent")
	}
	return &req, true
}

func (s *Server) handleExecute(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}
	resp, err := s.orchestrator.Execute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCascade(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}
	resp, err := s.orchestrator.ExecuteCascade(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type textRequest struct {
	Text  string `json:"text" binding:"required"`
	Agent string `json:"agent"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var body textRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(ai.ErrInvalidRequest)})
		return
	}
	answer, err := s.orchestrator.Query(c.Request.Context(), body.Text, s.agentFor(c, body.Agent))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

type chatRequest struct {
	Messages     []ai.Message `json:"messages" binding:"required"`
	SystemPrompt string       `json:"system_prompt"`
	Agent        string       `json:"agent"`
}

func (s *Server) handleChat(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(ai.ErrInvalidRequest)})
		return
	}
	reply, err := s.orchestrator.Chat(c.Request.Context(), body.Messages, body.SystemPrompt, s.agentFor(c, body.Agent))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

type summarizeRequest struct {
	Text      string `json:"text" binding:"required"`
	MaxLength int    `json:"max_length"`
	Agent     string `json:"agent"`
}

func (s *Server) handleSummarize(c *gin.Context) {
	var body summarizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(ai.ErrInvalidRequest)})
		return
	}
	summary, err := s.orchestrator.Summarize(c.Request.Context(), body.Text, body.MaxLength, s.agentFor(c, body.Agent))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (s *Server) handleParse(c *gin.Context) {
	var body textRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(ai.ErrInvalidRequest)})
		return
	}
	parsed, err := s.orchestrator.ParseCommand(c.Request.Context(), body.Text, s.agentFor(c, body.Agent))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, parsed)
}

func (s *Server) agentFor(c *gin.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.GetString("agent")
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.GetStatus())
}

func (s *Server) handleModels(c *gin.Context) {
	tiers := s.catalog.All()
	out := make([]gin.H, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, gin.H{
			"id":             t.ID,
			"provider":       string(t.Provider),
			"quality":        t.Quality,
			"rank":           t.Rank,
			"context_window": t.ContextWindow,
			"available":      s.catalog.IsAvailable(t.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (s *Server) handleProviderHealth(c *gin.Context) {
	snapshot := s.registry.HealthSnapshot()
	out := make(map[string]ai.HealthStatus, len(snapshot))
	for id, hs := range snapshot {
		out[string(id)] = hs
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleSpend(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "spend ledger not configured",
			"code":  "ledger_unavailable",
		})
		return
	}
	now := time.Now().UTC()
	daily, dailyCount, err := s.store.DailyTotal(now)
	if err != nil {
		writeError(c, err)
		return
	}
	monthly, monthlyCount, err := s.store.MonthlyTotal(now)
	if err != nil {
		writeError(c, err)
		return
	}
	breakdown, err := s.store.BreakdownByModel(now)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"daily": gin.H{
			"cost_dollars": daily.Dollars(),
			"requests":     dailyCount,
		},
		"monthly": gin.H{
			"cost_dollars": monthly.Dollars(),
			"requests":     monthlyCount,
		},
		"breakdown_by_model": breakdown,
	})
}
