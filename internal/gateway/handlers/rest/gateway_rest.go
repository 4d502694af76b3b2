// Package rest provides REST API handlers for the gateway module.
package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
	"github.com/openfuture/open-commerce/internal/gateway/services"
	"github.com/openfuture/open-commerce/internal/gateway/webhook"
	"github.com/openfuture/open-commerce/pkg/metrics"
)

// GatewayHandler handles REST API requests for the gateway module.
type GatewayHandler struct {
	service  *services.ReconciliationService
	store    interfaces.OrderStore
	verifier *webhook.Verifier
	log      *zap.Logger
}

// NewGatewayHandler creates a new gateway REST handler.
func NewGatewayHandler(
	service *services.ReconciliationService,
	store interfaces.OrderStore,
	verifier *webhook.Verifier,
	log *zap.Logger,
) *GatewayHandler {
	return &GatewayHandler{
		service:  service,
		store:    store,
		verifier: verifier,
		log:      log,
	}
}

// RegisterRoutes registers gateway routes with the Gin engine.
func (h *GatewayHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/open", h.HandleOpenWebhook)

	api := r.Group("/api/v1")
	{
		api.GET("/orders/:id", h.GetOrder)
		api.GET("/orders/:id/status", h.GetOrderStatus)
		api.GET("/orders/:id/notes", h.GetOrderNotes)
		api.POST("/orders/:id/payment", h.InitiatePayment)
	}
}

// HandleOpenWebhook is the push-path entry point. The raw body is consumed
// exactly once before any parsing, since the signature covers the raw
// payload and not a re-serialized form.
func (h *GatewayHandler) HandleOpenWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		c.String(http.StatusBadRequest, "unable to read request body")
		return
	}

	if !h.verifier.Verify(c.Request.Header, body) {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		h.log.Warn("webhook verification failed",
			zap.String("remote_addr", c.ClientIP()),
		)
		c.String(http.StatusUnauthorized, "webhook verification failed")
		return
	}

	payload, err := webhook.DecodePayload(body)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNoOrderRef):
			// A charge not created by us. Acknowledge so the upstream does
			// not redeliver something we deliberately ignore.
			metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
			c.Status(http.StatusOK)
		case errors.Is(err, interfaces.ErrOrderNotFound):
			metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
			h.log.Error("webhook references unknown order", zap.Error(err))
			c.Status(http.StatusOK)
		default:
			metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
			c.String(http.StatusBadRequest, "malformed webhook payload")
		}
		return
	}

	signature := c.GetHeader(webhook.SignatureHeader)
	if _, err := h.service.ApplyWebhook(c.Request.Context(), payload, signature); err != nil {
		if errors.Is(err, interfaces.ErrOrderNotFound) {
			// The upstream cannot retry-fix our missing order; acknowledge,
			// but log loudly because it points at a data-integrity problem.
			metrics.WebhooksReceived.WithLabelValues("ignored").Inc()
			h.log.Error("webhook order not found",
				zap.String("order_id", payload.OrderID.String()),
			)
			c.Status(http.StatusOK)
			return
		}
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		h.log.Error("failed to apply webhook",
			zap.String("order_id", payload.OrderID.String()),
			zap.Error(err),
		)
		c.String(http.StatusInternalServerError, "webhook processing failed")
		return
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	c.Status(http.StatusOK)
}

// GetOrder returns the full order entity.
func (h *GatewayHandler) GetOrder(c *gin.Context) {
	order, err := h.store.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetOrderStatus returns the reconciliation view of an order.
func (h *GatewayHandler) GetOrderStatus(c *gin.Context) {
	order, err := h.store.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            order.ID,
		"status":        order.Status,
		"remote_status": order.RemoteStatus,
		"archived":      order.Archived,
		"paid_at":       order.PaidAt,
	})
}

// GetOrderNotes returns the reconciliation notes recorded for an order.
func (h *GatewayHandler) GetOrderNotes(c *gin.Context) {
	order, err := h.store.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	notes, err := h.store.GetOrderNotes(c.Request.Context(), order.ID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": notes})
}

// InitiatePayment creates a payment address for the order at the processor.
func (h *GatewayHandler) InitiatePayment(c *gin.Context) {
	order, err := h.service.InitiatePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":              order.ID,
		"status":          order.Status,
		"payment_address": order.PaymentAddress,
	})
}

func (h *GatewayHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, interfaces.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, interfaces.ErrPaymentInitiated):
		c.JSON(http.StatusConflict, gin.H{"error": "payment already initiated"})
	case errors.Is(err, interfaces.ErrOrderArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "order is archived"})
	default:
		h.log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
