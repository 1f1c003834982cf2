package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/worklane/worklane/internal/money"
)

// Handler provides HTTP endpoints for escrow inspection and admin
// dispute resolution.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. The release/refund endpoints are
// the admin resolution path for disputed orders.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.Get)
	r.GET("/orders/:id/escrow", h.GetByOrder)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
}

// Get handles GET /v1/escrows/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

// GetByOrder handles GET /v1/orders/:id/escrow
func (h *Handler) GetByOrder(c *gin.Context) {
	e, err := h.service.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	e, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	e, err := h.service.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

func escrowResponse(e *Escrow) gin.H {
	resp := gin.H{
		"escrow": e,
		"amount": money.Format(e.Amount),
	}
	if e.Status == StatusReleased {
		resp["earnings"] = money.Format(e.Earnings)
		resp["commission"] = money.Format(e.Commission)
	}
	return resp
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
