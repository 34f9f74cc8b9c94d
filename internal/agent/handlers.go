package agent

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/orderup/agent/internal/ledger"
	"github.com/orderup/agent/internal/reconcile"
	"github.com/orderup/agent/pkg/response"
)

// GinHandlers contains HTTP handlers for the operator endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateOrderHandler handles POST requests to create new orders.
// Requires a valid JWT token and an Idempotency-Key header.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(req, idempotencyKey)
		if err != nil {
			if errors.Is(err, ErrInvalidOrder) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		if order.State == ledger.StatePending && order.Attempts == 0 {
			h.service.SubmitAsync(order.LocalID)
		}

		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests for a single order's ledger state.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		localID := c.Param("order_id")
		if localID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(localID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, order)
	}
}

// ReconcileHandler triggers an on-demand reconciliation pass and returns its
// report. Protected by internal authentication.
func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Reconcile(c.Request.Context())
		if err != nil {
			if errors.Is(err, reconcile.ErrReconcileInProgress) {
				response.Conflict(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, result)
	}
}

// ListAccountsHandler passes through the exchange's account balances.
func (h *GinHandlers) ListAccountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := h.service.market.ListAccounts(c.Request.Context())
		response.Handle(c, accounts, err)
	}
}

// ListMarketsHandler passes through the exchange's product listings.
func (h *GinHandlers) ListMarketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		products, err := h.service.market.ListProducts(c.Request.Context())
		response.Handle(c, products, err)
	}
}

// BestBidAskHandler passes through the top of book for one product.
func (h *GinHandlers) BestBidAskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productID := c.Param("product_id")
		if productID == "" {
			response.BadRequest(c, "Product ID is required")
			return
		}
		book, err := h.service.market.BestBidAsk(c.Request.Context(), productID)
		response.Handle(c, book, err)
	}
}
