// Mock messaging provider for local development and integration testing. It
// accepts sends the way the real upstream does, simulates the provider error
// taxonomy, and posts delivery-status and click webhooks back to the engine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SendRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient" binding:"required"`
	Body      string `json:"body" binding:"required"`
}

type SendResponse struct {
	ExternalMessageID string    `json:"external_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_message"`
}

type WebhookEvent struct {
	Type              string    `json:"type"`
	ExternalMessageID string    `json:"external_message_id"`
	NewStatus         string    `json:"new_status,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ButtonPayload     string    `json:"button_payload,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// MockProvider simulates the upstream messaging platform.
type MockProvider struct {
	webhookURL      string
	noTransportRate float64
	rateLimitRate   float64
	blockRate       float64
	readRate        float64
	clickRate       float64
	minDelay        time.Duration
	maxDelay        time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	blocked map[string]bool // api keys the provider has "blocked"
}

func NewMockProvider(webhookURL string) *MockProvider {
	return &MockProvider{
		webhookURL:      webhookURL,
		noTransportRate: getEnvFloat("NO_TRANSPORT_RATE", 0.02),
		rateLimitRate:   getEnvFloat("RATE_LIMIT_RATE", 0.01),
		blockRate:       getEnvFloat("BLOCK_RATE", 0.005),
		readRate:        getEnvFloat("READ_RATE", 0.6),
		clickRate:       getEnvFloat("CLICK_RATE", 0.2),
		minDelay:        getEnvDuration("MIN_DELAY", 200*time.Millisecond),
		maxDelay:        getEnvDuration("MAX_DELAY", 2*time.Second),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		blocked:         make(map[string]bool),
	}
}

func (m *MockProvider) roll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *MockProvider) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockProvider) isBlocked(apiKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[apiKey]
}

func (m *MockProvider) block(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[apiKey] = true
}

// scheduleWebhooks emits the post-send callback sequence for a message:
// delivered, maybe read, maybe a button click. Clicks are occasionally sent
// twice to exercise receiver-side idempotency.
func (m *MockProvider) scheduleWebhooks(externalID string) {
	if m.webhookURL == "" {
		return
	}

	go func() {
		time.Sleep(m.randomDelay())
		m.postWebhook(WebhookEvent{
			Type:              "status",
			ExternalMessageID: externalID,
			NewStatus:         "delivered",
			OccurredAt:        time.Now(),
		})

		if m.roll() < m.readRate {
			time.Sleep(m.randomDelay())
			m.postWebhook(WebhookEvent{
				Type:              "status",
				ExternalMessageID: externalID,
				NewStatus:         "read",
				OccurredAt:        time.Now(),
			})
		}

		if m.roll() < m.clickRate {
			time.Sleep(m.randomDelay())
			click := WebhookEvent{
				Type:              "click",
				ExternalMessageID: externalID,
				ButtonPayload:     "CTA_PRIMARY",
				OccurredAt:        time.Now(),
			}
			m.postWebhook(click)
			if m.roll() < 0.3 {
				// Duplicate delivery, as real providers do.
				m.postWebhook(click)
			}
		}
	}()
}

func (m *MockProvider) postWebhook(ev WebhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	resp, err := http.Post(m.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("external_message_id", ev.ExternalMessageID).Msg("Webhook post failed")
		return
	}
	defer resp.Body.Close()

	log.Debug().
		Str("type", ev.Type).
		Str("external_message_id", ev.ExternalMessageID).
		Str("status", ev.NewStatus).
		Int("code", resp.StatusCode).
		Msg("Webhook posted")
}

type Handler struct {
	provider *MockProvider
}

func NewHandler(provider *MockProvider) *Handler {
	return &Handler{provider: provider}
}

// SendMessage handles one send. Error outcomes mirror the real provider's
// codes so the dispatcher's failure handling can be exercised end to end.
func (h *Handler) SendMessage(c *gin.Context) {
	apiKey := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			ErrorCode: "INVALID_API_KEY",
			ErrorMsg:  "Missing or empty API key",
		})
		return
	}
	if h.provider.isBlocked(apiKey) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			ErrorCode: "ACCOUNT_BLOCKED",
			ErrorMsg:  "This account has been blocked by the platform",
		})
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			ErrorCode: "INVALID_REQUEST",
			ErrorMsg:  err.Error(),
		})
		return
	}

	switch roll := h.provider.roll(); {
	case roll < h.provider.noTransportRate:
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			ErrorCode: "NO_TRANSPORT",
			ErrorMsg:  "Recipient has no reachable messaging endpoint",
		})
		return
	case roll < h.provider.noTransportRate+h.provider.rateLimitRate:
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			ErrorCode: "RATE_LIMITED",
			ErrorMsg:  "Account is sending too fast",
		})
		return
	case roll < h.provider.noTransportRate+h.provider.rateLimitRate+h.provider.blockRate:
		h.provider.block(apiKey)
		c.JSON(http.StatusForbidden, ErrorResponse{
			ErrorCode: "ACCOUNT_BLOCKED",
			ErrorMsg:  "This account has been blocked by the platform",
		})
		return
	}

	externalID := "ext-" + uuid.NewString()
	log.Info().
		Str("external_message_id", externalID).
		Str("recipient", req.Recipient).
		Str("channel", req.Channel).
		Msg("Message accepted")

	h.provider.scheduleWebhooks(externalID)

	c.JSON(http.StatusAccepted, SendResponse{
		ExternalMessageID: externalID,
		AcceptedAt:        time.Now(),
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// UpdateConfig changes failure rates at runtime so tests can force specific
// outcomes.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		NoTransportRate *float64 `json:"no_transport_rate"`
		RateLimitRate   *float64 `json:"rate_limit_rate"`
		BlockRate       *float64 `json:"block_rate"`
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: "INVALID_REQUEST", ErrorMsg: err.Error()})
		return
	}

	h.provider.mu.Lock()
	if cfg.NoTransportRate != nil {
		h.provider.noTransportRate = *cfg.NoTransportRate
	}
	if cfg.RateLimitRate != nil {
		h.provider.rateLimitRate = *cfg.RateLimitRate
	}
	if cfg.BlockRate != nil {
		h.provider.blockRate = *cfg.BlockRate
	}
	h.provider.mu.Unlock()

	log.Info().Msg("Provider rates updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/messages/send", handler.SendMessage)
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
	}

	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	webhookURL := getEnv("WEBHOOK_URL", "")

	log.Info().
		Str("port", port).
		Str("webhook_url", webhookURL).
		Msg("Starting mock messaging provider")

	provider := NewMockProvider(webhookURL)
	handler := NewHandler(provider)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
