package handler

import (
	"io"
	"net/http"

	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/service"
	"membershippay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const maxWebhookBytes = 1 << 20

type Handler struct {
	orderService  *service.OrderService
	reconciler    *service.Reconciler
	refundService *service.RefundService
}

func NewHandler(orders *service.OrderService, reconciler *service.Reconciler, refunds *service.RefundService) *Handler {
	return &Handler{
		orderService:  orders,
		reconciler:    reconciler,
		refundService: refunds,
	}
}

type CreateOrderRequest struct {
	UserID      int64           `json:"user_id" binding:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	RedirectURL string          `json:"redirect_url"`
}

// CreateOrder starts a membership payment.
// POST /api/v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.orderService.CreateOrder(c.Request.Context(), service.CreateOrderRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, result)
}

// GetOrder returns the stored state of a payment.
// GET /api/v1/orders/:reference
func (h *Handler) GetOrder(c *gin.Context) {
	entry, err := h.orderService.GetOrder(c.Request.Context(), c.Param("reference"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, entry)
}

// GetOrderStatus is called when the user returns from the payment page. A
// payment still pending is reconciled against the gateway first.
// GET /api/v1/orders/:reference/status
func (h *Handler) GetOrderStatus(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("reference")

	entry, err := h.orderService.GetOrder(ctx, ref)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if entry.Status != model.EntryStatusPending {
		response.Success(c, gin.H{
			"external_reference": ref,
			"status":             entry.Status,
			"outcome":            service.OutcomeAlreadySettled,
		})
		return
	}

	result, err := h.reconciler.Reconcile(ctx, ref)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"external_reference": ref,
		"status":             result.EntryStatus,
		"outcome":            result.Outcome,
	})
}

// GatewayWebhook receives payment callbacks. It answers 200 for anything
// it could process, actionable or not, so the gateway stops redelivering;
// only store failures produce an error status.
// POST /api/v1/webhooks/gateway
func (h *Handler) GatewayWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		logging.FromContext(ctx).Warn("read webhook body", "error", err)
		c.JSON(http.StatusOK, gin.H{"success": false, "outcome": service.OutcomeIgnored})
		return
	}

	result, err := h.reconciler.HandleWebhook(ctx, body)
	if err != nil {
		logging.FromContext(ctx).Error("webhook reconciliation failed", "error", err)
		response.FromError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": result.Success, "outcome": result.Outcome})
}

type CancelMembershipRequest struct {
	UserID            int64  `json:"user_id" binding:"required,gt=0"`
	ExternalReference string `json:"external_reference" binding:"required"`
	Reason            string `json:"reason"`
}

// CancelMembership refunds a payment and puts the membership into grace.
// POST /api/v1/memberships/cancel
func (h *Handler) CancelMembership(c *gin.Context) {
	var req CancelMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.refundService.RequestCancellation(c.Request.Context(), req.UserID, req.ExternalReference, req.Reason)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, result)
}
