package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/worklane/worklane/internal/money"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new payment handler. webhookSecret, when non-empty,
// enables HMAC verification of incoming webhook bodies.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.Initiate)
	r.GET("/payments/:id", h.Get)
	r.GET("/users/:userId/payments", h.ListByUser)
	r.POST("/payments/:id/complete", h.Complete)
	r.POST("/payments/:id/fail", h.Fail)
	r.POST("/webhooks/payment", h.Webhook)
}

// InitiateRequest contains the parameters for starting a payment.
type InitiateRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// Initiate handles POST /v1/payments
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId is required",
		})
		return
	}

	result, err := h.service.Initiate(c.Request.Context(), req.OrderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction":  result.Transaction,
		"clientSecret": result.ClientSecret,
		"amount":       money.Format(result.Transaction.Amount),
	})
}

// Get handles GET /v1/payments/:id
func (h *Handler) Get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListByUser handles GET /v1/users/:userId/payments
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list, "count": len(list)})
}

// Complete handles POST /v1/payments/:id/complete. Demo-mode shortcut for
// the mock provider; real deployments resolve via the webhook.
func (h *Handler) Complete(c *gin.Context) {
	tx, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// FailRequest carries the failure reason.
type FailRequest struct {
	Reason string `json:"reason"`
}

// Fail handles POST /v1/payments/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	var req FailRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "provider declined"
	}

	tx, err := h.service.Fail(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Webhook handles POST /v1/webhooks/payment. Providers retry until they
// see a 2xx, so every recoverable condition is acknowledged.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	if h.webhookSecret != "" {
		sig := c.GetHeader("X-Webhook-Signature")
		if !verifySignature(body, sig, h.webhookSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "signature mismatch"})
			return
		}
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed event"})
		return
	}

	if err := h.service.HandleWebhook(c.Request.Context(), ev); err != nil {
		// Non-2xx makes the provider redeliver later.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// verifySignature checks a hex HMAC-SHA256 of the body.
func verifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrOrderNotPayable):
		status = http.StatusConflict
		code = "order_not_payable"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
		code = "provider_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
