package escrow

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/payments"
	"github.com/paddockmarket/paddock/internal/validation"
)

// Handler exposes the escrow engine over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the escrow HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the party-facing transaction routes on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/transactions/:id", h.get)
	r.GET("/transactions/:id/events", h.events)
	r.GET("/transactions/:id/refund-requests", h.refundRequests)
	r.GET("/parties/:partyId/transactions", h.listByParty)

	r.POST("/transactions/:id/release", h.release)
	r.POST("/transactions/:id/refund-request", h.requestRefund)
}

// RegisterAdminRoutes mounts the operator-only routes on r. The caller
// is expected to gate r behind admin authentication.
func (h *Handler) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/transactions/:id/complete", h.manuallyComplete)
	r.POST("/transactions/:id/refund", h.processRefund)
	r.POST("/transactions/:id/refund-reject", h.rejectRefund)
	r.POST("/transactions/:id/cancel", h.cancel)
}

func actorID(c *gin.Context) (string, bool) {
	id := c.GetHeader("X-Actor-ID")
	if !validation.ValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_actor",
			"message": "a valid X-Actor-ID header is required",
		})
		return "", false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	var gerr *payments.Error
	if errors.As(err, &gerr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "payment_failed",
			"message":   gerr.Error(),
			"retryable": gerr.Retryable,
		})
		return
	}

	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrRefundNotFound),
		errors.Is(err, ledger.ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ledger.ErrPendingRefundExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ledger.ErrInvalidStatus):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "something went wrong"})
	}
}

func (h *Handler) get(c *gin.Context) {
	txn, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) events(c *gin.Context) {
	events, err := h.svc.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) refundRequests(c *gin.Context) {
	reqs, err := h.svc.RefundRequests(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund_requests": reqs})
}

func (h *Handler) listByParty(c *gin.Context) {
	txns, err := h.svc.ListByParty(c.Request.Context(), c.Param("partyId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) release(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	txn, err := h.svc.ReleaseEscrow(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type refundRequestBody struct {
	Reason      string `json:"reason"`
	AmountCents int64  `json:"amount_cents"`
}

func (h *Handler) requestRefund(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var body refundRequestBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	req, err := h.svc.RequestRefund(c.Request.Context(), c.Param("id"), actor, body.Reason, body.AmountCents)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

// Admin handlers. The operator's identity comes from the same actor
// header; the admin middleware has already authenticated the secret.

func (h *Handler) manuallyComplete(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	txn, err := h.svc.ManuallyComplete(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type processRefundBody struct {
	AmountCents int64 `json:"amount_cents"`
}

func (h *Handler) processRefund(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var body processRefundBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	txn, err := h.svc.ProcessRefund(c.Request.Context(), c.Param("id"), actor, body.AmountCents)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type rejectRefundBody struct {
	Notes string `json:"notes"`
}

func (h *Handler) rejectRefund(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var body rejectRefundBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	req, err := h.svc.RejectRefund(c.Request.Context(), c.Param("id"), actor, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancel(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	txn, err := h.svc.CancelTransaction(c.Request.Context(), c.Param("id"), actor, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}
