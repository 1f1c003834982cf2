package invoices

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/worklane/worklane/internal/money"
)

// Handler provides read-only HTTP endpoints for invoices.
type Handler struct {
	service *Service
}

// NewHandler creates a new invoice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/invoices/:id", h.Get)
	r.GET("/orders/:id/invoice", h.GetByOrder)
	r.GET("/users/:userId/invoices", h.ListByUser)
}

// Get handles GET /v1/invoices/:id
func (h *Handler) Get(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoiceResponse(inv))
}

// GetByOrder handles GET /v1/orders/:id/invoice
func (h *Handler) GetByOrder(c *gin.Context) {
	inv, err := h.service.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoiceResponse(inv))
}

// ListByUser handles GET /v1/users/:userId/invoices
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
	c.JSON(http.StatusOK, gin.H{"invoices": list, "count": len(list)})
}

func invoiceResponse(inv *Invoice) gin.H {
	return gin.H{
		"invoice":    inv,
		"amount":     money.Format(inv.Amount),
		"commission": money.Format(inv.Commission),
		"earnings":   money.Format(inv.Earnings),
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvoiceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Invoice not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
