package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"maestro/internal/config"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// RequestID tags every request with an id, honoring a caller-supplied
// X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog() gin.HandlerFunc {
	log := logging.L().Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		if path == "/health" || path == "/metrics" {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("client_ip", c.ClientIP()))
	}
}

// Recovery converts panics into 500 responses with the request id attached.
func Recovery() gin.HandlerFunc {
	log := logging.L().Named("http")
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "internal server error",
			"code":       "internal",
			"request_id": c.GetString("request_id"),
		})
	})
}

// HTTPMetrics records request counts and latency per route.
func HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m := metrics.Get()
		m.HTTPRequestsTotal.WithLabelValues(
			metrics.SanitizeLabel(endpoint),
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			metrics.SanitizeLabel(endpoint),
			c.Request.Method,
		).Observe(time.Since(start).Seconds())
	}
}

// Auth validates the bearer credential: constant-time static key, bcrypt
// hash, or an HS256 service token whose subject becomes the default agent.
// With nothing configured the façade is open (logged at startup).
func Auth(cfg *config.Config) gin.HandlerFunc {
	open := cfg.APIKey == "" && cfg.APIKeyHash == "" && cfg.JWTSecret == ""
	return func(c *gin.Context) {
		if open {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		if cfg.APIKey != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) == 1 {
			c.Next()
			return
		}
		if cfg.APIKeyHash != "" &&
			bcrypt.CompareHashAndPassword([]byte(cfg.APIKeyHash), []byte(token)) == nil {
			c.Next()
			return
		}
		if cfg.JWTSecret != "" {
			if sub, ok := verifyServiceToken(token, cfg.JWTSecret); ok {
				c.Set("agent", sub)
				c.Next()
				return
			}
		}
		unauthorized(c, "invalid credentials")
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func verifyServiceToken(token, secret string) (string, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", false
	}
	return sub, true
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  "unauthorized",
	})
}
