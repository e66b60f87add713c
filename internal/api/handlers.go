// Package api exposes checkout, payment ingress and order administration
// over HTTP with gin.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/bakong"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/khqr"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/metrics"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/models"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/reconcile"
	"github.com/Tephh/tephh-s-digital-vault-8a7fb077/internal/store"
)

// Header names checked by the guards
const (
	WebhookSecretHeader = "X-Webhook-Secret"
	AdminTokenHeader    = "X-Admin-Token"
)

// Checker runs a pull check; satisfied by *reconcile.PullChecker
type Checker interface {
	Check(ctx context.Context, fingerprint string) (*reconcile.PullResult, error)
}

// Watcher starts background polling for a new order; satisfied by
// *poller.Group
type Watcher interface {
	Watch(fingerprint string, expiresAt *time.Time)
}

// Circuit reports a breaker's state; satisfied by *bakong.Client and
// *notify.Telegram
type Circuit interface {
	CircuitState() string
	CircuitValue() int
}

// Options wires a Handler
type Options struct {
	Store    store.OrderStore
	Matcher  *reconcile.Matcher
	Checker  Checker
	Watcher  Watcher
	Merchant khqr.Merchant
	Currency khqr.Currency
	CodeTTL  time.Duration

	// Circuits are reported by GET /circuit-status, keyed by name.
	Circuits map[string]Circuit

	WebhookSecret string
	AdminToken    string
}

// Handler serves the payment endpoints
type Handler struct {
	opts      Options
	generator khqr.Generator
	now       func() time.Time
}

// NewHandler creates a Handler
func NewHandler(opts Options) *Handler {
	if opts.Currency == "" {
		opts.Currency = khqr.USD
	}
	return &Handler{opts: opts, now: time.Now}
}

// NewRouter builds the service router
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	router := gin.Default()

	// Add Prometheus middleware
	router.Use(metrics.PrometheusMiddleware(serviceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/circuit-status", h.CircuitStatus)

	router.POST("/checkout", h.Checkout)
	router.POST("/webhooks/bakong", h.Webhook)
	router.GET("/orders/:fingerprint", h.GetOrder)
	router.POST("/orders/:fingerprint/check", h.CheckPayment)

	admin := router.Group("/admin", h.requireAdmin)
	admin.GET("/orders", h.ListOrders)
	admin.POST("/orders/:fingerprint/confirm", h.adminAction(h.opts.Matcher.Confirm))
	admin.POST("/orders/:fingerprint/cancel", h.adminAction(h.opts.Matcher.Cancel))
	admin.POST("/orders/:fingerprint/complete", h.adminAction(h.opts.Matcher.Complete))

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// CircuitStatus returns the state of the outbound circuit breakers
func (h *Handler) CircuitStatus(c *gin.Context) {
	status := gin.H{}
	for name, circuit := range h.opts.Circuits {
		status[name] = gin.H{
			"state": circuit.CircuitState(),
			"value": circuit.CircuitValue(),
		}
	}
	c.JSON(http.StatusOK, status)
}

// Checkout issues a payment code and records the pending order it pays for
func (h *Handler) Checkout(c *gin.Context) {
	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	currency := h.opts.Currency
	if req.Currency != "" {
		parsed, err := khqr.ParseCurrency(req.Currency)
		if err != nil {
			metrics.CodesGenerated.WithLabelValues(req.Currency, "invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		currency = parsed
	}

	// An explicit amount is taken as-is when items carry no prices.
	amount := req.Amount
	total := itemsTotal(req.Items)
	if amount.IsZero() {
		amount = total
	} else if !total.IsZero() && !amount.Round(currency.Precision()).Equal(total.Round(currency.Precision())) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("amount %s does not match items total %s", amount, total),
		})
		return
	}

	var expiresAt *time.Time
	if h.opts.CodeTTL > 0 {
		t := h.now().UTC().Add(h.opts.CodeTTL)
		expiresAt = &t
	}

	enc, err := h.generator.Generate(khqr.Request{
		Merchant:      h.opts.Merchant,
		Currency:      currency,
		Amount:        amount,
		BillReference: req.BillReference,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		metrics.CodesGenerated.WithLabelValues(string(currency), "invalid").Inc()
		status := http.StatusBadRequest
		if !errors.Is(err, khqr.ErrInvalidAmount) && !errors.Is(err, khqr.ErrUnsupportedCurrency) &&
			!errors.Is(err, khqr.ErrFieldTooLong) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	metrics.CodesGenerated.WithLabelValues(string(currency), "ok").Inc()

	orderID, err := uuid.NewV7()
	if err != nil {
		orderID = uuid.New()
	}
	order, created, err := h.opts.Store.Create(c.Request.Context(), &models.PendingOrder{
		ID:             orderID.String(),
		Fingerprint:    enc.Fingerprint,
		ExpectedAmount: enc.Amount,
		Currency:       string(enc.Currency),
		BillReference:  enc.BillReference,
		CustomerHandle: req.CustomerHandle,
		Items:          req.Items,
		ExpiresAt:      enc.ExpiresAt,
	})
	if err != nil {
		log.WithField("fingerprint", enc.Fingerprint).WithError(err).Error("Failed to store order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		return
	}
	if !created && !sameBuyer(order, &req) {
		c.JSON(http.StatusConflict, gin.H{
			"error":          "bill reference already issued to another order",
			"bill_reference": order.BillReference,
		})
		return
	}
	if !created && order.Status.Settled() {
		c.JSON(http.StatusConflict, gin.H{
			"error":       "payment code already used",
			"fingerprint": order.Fingerprint,
			"status":      order.Status,
		})
		return
	}

	if created {
		log.WithFields(log.Fields{
			"order_id":       order.ID,
			"fingerprint":    order.Fingerprint,
			"amount":         order.ExpectedAmount.String(),
			"currency":       order.Currency,
			"bill_reference": order.BillReference,
		}).Info("Order created")
		h.opts.Matcher.NotifyNew(order)
		if h.opts.Watcher != nil {
			h.opts.Watcher.Watch(order.Fingerprint, order.ExpiresAt)
		}
	}

	c.JSON(http.StatusOK, models.CheckoutResponse{
		OrderID:       order.ID,
		Code:          enc.Code,
		Fingerprint:   order.Fingerprint,
		Amount:        order.ExpectedAmount,
		Currency:      order.Currency,
		BillReference: order.BillReference,
		ExpiresAt:     order.ExpiresAt,
	})
}

// sameBuyer reports whether req is a retry of the checkout that created order.
func sameBuyer(order *models.PendingOrder, req *models.CheckoutRequest) bool {
	if order.CustomerHandle != req.CustomerHandle || len(order.Items) != len(req.Items) {
		return false
	}
	for i, item := range order.Items {
		want := req.Items[i]
		if item.ProductID != want.ProductID || item.Name != want.Name || item.App != want.App ||
			item.Quantity != want.Quantity || !item.UnitPrice.Equal(want.UnitPrice) {
			return false
		}
	}
	return true
}

func itemsTotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Webhook is the push ingress for the payment network
func (h *Handler) Webhook(c *gin.Context) {
	if h.opts.WebhookSecret != "" {
		got := c.GetHeader(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.WebhookSecret)) != 1 {
			log.WithField("client_ip", c.ClientIP()).Warn("Rejected webhook with bad secret")
			c.JSON(http.StatusUnauthorized, models.WebhookResponse{Message: "unauthorized"})
			return
		}
	}

	var cb models.BankCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, models.WebhookResponse{Message: "Invalid request: " + err.Error()})
		return
	}

	outcome, err := h.opts.Matcher.Reconcile(c.Request.Context(),
		models.EventFromCallback(cb, models.SourceWebhook, h.now()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.WebhookResponse{Message: "failed to process callback"})
		return
	}

	resp := models.WebhookResponse{Success: outcome != models.OutcomeAmountMismatch, Outcome: outcome}
	if outcome != models.OutcomeNotFound {
		if order, err := h.opts.Store.GetByFingerprint(c.Request.Context(), cb.MD5); err == nil {
			resp.OrderID = order.ID
		}
	}

	switch outcome {
	case models.OutcomeAmountMismatch:
		resp.Message = "Amount mismatch"
		c.JSON(http.StatusConflict, resp)
		return
	case models.OutcomeMatched:
		resp.Message = "Payment verified"
	case models.OutcomeNotFound:
		resp.Message = "Order not found"
	case models.OutcomeExpired:
		resp.Message = "Payment code expired"
	default:
		resp.Message = "Order already settled"
	}
	c.JSON(http.StatusOK, resp)
}

// GetOrder returns the stored order
func (h *Handler) GetOrder(c *gin.Context) {
	fingerprint := c.Param("fingerprint")
	order, err := h.opts.Store.GetByFingerprint(c.Request.Context(), fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "fingerprint": fingerprint})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// CheckPayment asks the network about the order right now. Lookup failures
// leave the order pending rather than failing the request.
func (h *Handler) CheckPayment(c *gin.Context) {
	fingerprint := c.Param("fingerprint")
	res, err := h.opts.Checker.Check(c.Request.Context(), fingerprint)
	if res != nil && res.Outcome == models.OutcomeNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "fingerprint": fingerprint})
		return
	}
	if res == nil || res.Order == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}

	resp := models.CheckPaymentResponse{
		Status:     res.Order.Status,
		Verified:   res.Order.Status == models.OrderStatusPaid || res.Order.Status == models.OrderStatusCompleted,
		Outcome:    res.Outcome,
		VerifiedAt: res.Order.VerifiedAt,
	}
	switch {
	case errors.Is(err, bakong.ErrNotConfigured):
		resp.Message = "Payment lookup not configured, waiting for callback"
	case err != nil:
		resp.Message = "Payment network unavailable, try again later"
	case res.Outcome == models.OutcomeAmountMismatch:
		resp.Message = "Amount mismatch, order held for review"
	case res.Outcome == models.OutcomeExpired:
		resp.Message = "Payment code expired, order held for review"
	case !resp.Verified && res.Order.Status == models.OrderStatusPending:
		resp.Message = "Payment pending"
	}
	c.JSON(http.StatusOK, resp)
}

// ListOrders lists orders, optionally filtered by ?status=
func (h *Handler) ListOrders(c *gin.Context) {
	status := models.OrderStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}
	orders, err := h.opts.Store.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

type adminFunc func(ctx context.Context, fingerprint, actor string) (models.Outcome, error)

func (h *Handler) adminAction(fn adminFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		fingerprint := c.Param("fingerprint")
		outcome, err := fn(c.Request.Context(), fingerprint, "admin:"+c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.AdminActionResponse{Message: "failed to update order"})
			return
		}

		resp := models.AdminActionResponse{Outcome: outcome}
		if order, err := h.opts.Store.GetByFingerprint(c.Request.Context(), fingerprint); err == nil {
			resp.Status = order.Status
		}
		switch outcome {
		case models.OutcomeNotFound:
			resp.Message = "Order not found"
			c.JSON(http.StatusNotFound, resp)
		case models.OutcomeAlreadySettled:
			resp.Message = "Order is not in the required state"
			c.JSON(http.StatusConflict, resp)
		default:
			resp.Message = "Order updated"
			c.JSON(http.StatusOK, resp)
		}
	}
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if h.opts.AdminToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin endpoints disabled"})
		return
	}
	got := c.GetHeader(AdminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
