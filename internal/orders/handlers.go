package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/worklane/worklane/internal/money"
	"github.com/worklane/worklane/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.GET("/orders/:id", h.Get)
	r.GET("/users/:userId/orders", h.ListByUser)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/confirm", h.Confirm)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/dispute", h.Dispute)
}

// Create handles POST /v1/orders
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerId and serviceId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("buyerId", req.BuyerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	order, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":  order,
		"amount": money.Format(order.Amount),
	})
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListByUser handles GET /v1/users/:userId/orders
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

	page, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := gin.H{"orders": page.Orders, "count": len(page.Orders), "hasMore": page.HasMore}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// DeliverRequest contains the parameters for marking an order delivered.
type DeliverRequest struct {
	SellerID string   `json:"sellerId" binding:"required"`
	Files    []string `json:"files"`
}

// Deliver handles POST /v1/orders/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId is required",
		})
		return
	}

	order, err := h.service.Deliver(c.Request.Context(), c.Param("id"), req.SellerID, req.Files)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ActorRequest identifies who is performing a confirm/cancel/dispute.
type ActorRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

func (r ActorRequest) actor() Actor {
	switch Role(r.Role) {
	case RoleAdmin:
		return AdminActor(r.UserID)
	case RoleSeller:
		return SellerActor(r.UserID)
	default:
		return BuyerActor(r.UserID)
	}
}

// Confirm handles POST /v1/orders/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	order, err := h.service.Confirm(c.Request.Context(), c.Param("id"), req.actor())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	order, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.actor())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Dispute handles POST /v1/orders/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	order, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.actor(), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrServiceMissing):
		status = http.StatusNotFound
		code = "service_not_found"
	case errors.Is(err, ErrUserNotFound):
		status = http.StatusNotFound
		code = "user_not_found"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrStale):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidCursor):
		status = http.StatusBadRequest
		code = "invalid_cursor"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
