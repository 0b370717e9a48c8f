package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	store        *store.Store
	redis        *redisclient.Client
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, store *store.Store, redis *redisclient.Client) *Handler {
	return &Handler{
		orderService: orderService,
		store:        store,
		redis:        redis,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/status", h.getOrderStatus)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/orders/number/:number", h.getOrderByNumber)
		v1.GET("/customers/:id/orders", h.listCustomerOrders)
		v1.GET("/inventory/:productID", h.getInventory)
		v1.GET("/inventory/:productID/snapshot", h.getInventorySnapshot)
		v1.PUT("/inventory/:productID", h.putInventory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.store.GetDB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, items, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// cancelOrder requests compensation for an in-flight order
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	if err := h.orderService.CancelOrder(c.Request.Context(), orderID); err != nil {
		switch {
		case errors.Is(err, service.ErrSagaTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "Order can no longer be cancelled",
				"details": err.Error(),
			})
		case errors.Is(err, service.ErrCancelConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "Order is busy, retry the cancellation",
				"details": err.Error(),
			})
		case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrSagaNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Order not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to cancel order",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"order_id": orderID,
		"status":   "cancellation requested",
	})
}

// getOrderByNumber handles get order by business key
func (h *Handler) getOrderByNumber(c *gin.Context) {
	order, items, err := h.orderService.GetOrderByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// listCustomerOrders lists all orders for a customer
func (h *Handler) listCustomerOrders(c *gin.Context) {
	customerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid customer ID",
		})
		return
	}

	orders, err := h.orderService.ListOrdersByCustomer(c.Request.Context(), customerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
	})
}

// getInventory returns the authoritative stock row for a product
func (h *Handler) getInventory(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid product ID",
		})
		return
	}

	inv, err := h.store.InventoryByProduct(c.Request.Context(), productID)
	if err != nil {
		if errors.Is(err, store.ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Product not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load inventory",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, inv)
}

// getOrderStatus serves the order status, cache-first
func (h *Handler) getOrderStatus(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	status, err := h.orderService.OrderStatus(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Order not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   status,
	})
}

// getInventorySnapshot serves the Redis mirror of a stock row, cheap
// but possibly stale
func (h *Handler) getInventorySnapshot(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid product ID",
		})
		return
	}

	available, reserved, err := h.redis.InventorySnapshot(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Snapshot not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"available":  available,
		"reserved":   reserved,
	})
}

type putInventoryRequest struct {
	Available int `json:"available" binding:"min=0"`
	Reserved  int `json:"reserved" binding:"min=0"`
}

// putInventory seeds or overwrites a stock row and refreshes its
// Redis snapshot
func (h *Handler) putInventory(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid product ID",
		})
		return
	}

	var req putInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.store.UpsertInventory(c.Request.Context(), productID, req.Available, req.Reserved); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to upsert inventory",
			"details": err.Error(),
		})
		return
	}

	if err := h.redis.InitInventorySnapshot(c.Request.Context(), productID, req.Available, req.Reserved); err != nil {
		// The database row is authoritative; a stale snapshot heals on
		// the next startup sync.
		util.GetLogger().Warn("Failed to refresh inventory snapshot")
	}

	inv, err := h.store.InventoryByProduct(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to reload inventory",
		})
		return
	}

	c.JSON(http.StatusOK, inv)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
