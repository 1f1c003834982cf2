package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/worklane/worklane/internal/money"
	"github.com/worklane/worklane/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetBalance)
	r.GET("/wallets/:userId/transactions", h.ListTransactions)
	r.GET("/wallets/:userId/reconcile", h.Reconcile)
	r.POST("/wallets/:userId/withdraw", h.Withdraw)
}

// GetBalance handles GET /v1/wallets/:userId
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")

	w, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":  w,
		"balance": money.Format(w.Balance),
	})
}

// ListTransactions handles GET /v1/wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("userId")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"count":        len(entries),
	})
}

// Reconcile handles GET /v1/wallets/:userId/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	userID := c.Param("userId")

	ok, balance, ledgerSum, err := h.service.Reconcile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"consistent": ok,
		"balance":    money.Format(balance),
		"ledgerSum":  money.Format(ledgerSum),
	})
}

// WithdrawRequest contains the parameters for a withdrawal.
type WithdrawRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Withdraw handles POST /v1/wallets/:userId/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	userID := c.Param("userId")

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
		return
	}

	desc := req.Description
	if desc == "" {
		desc = "withdrawal"
	}

	w, err := h.service.Debit(c.Request.Context(), userID, amount, desc)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrWalletNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInsufficientFunds):
			status = http.StatusConflict
			code = "insufficient_funds"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}
