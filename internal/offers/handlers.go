package offers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/payments"
	"github.com/paddockmarket/paddock/internal/validation"
)

// Handler exposes the negotiation engine over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the offers HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the offer routes on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/offers", h.create)
	r.GET("/offers/:id", h.get)
	r.GET("/offers/:id/events", h.events)
	r.GET("/horses/:horseId/offers", h.listByHorse)
	r.GET("/parties/:partyId/offers", h.listByParty)

	r.POST("/offers/:id/counter", h.counter)
	r.POST("/offers/:id/accept", h.accept)
	r.POST("/offers/:id/reject", h.reject)
	r.POST("/offers/:id/withdraw", h.withdraw)
	r.POST("/offers/:id/extend", h.extend)
}

// actorID returns the acting party from the X-Actor-ID header, writing
// a 400 and returning false if it is absent or malformed.
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
	var verrs *validation.Errors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs.Fields,
		})
		return
	}

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
	case errors.Is(err, ledger.ErrOfferNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrRefundNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ledger.ErrLiveOfferExists),
		errors.Is(err, ledger.ErrPendingRefundExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ledger.ErrInvalidStatus), errors.Is(err, ErrOfferExpired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "something went wrong"})
	}
}

func (h *Handler) create(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	offer, err := h.svc.Create(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) get(c *gin.Context) {
	offer, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) events(c *gin.Context) {
	events, err := h.svc.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) listByHorse(c *gin.Context) {
	offers, err := h.svc.ListByHorse(c.Request.Context(), c.Param("horseId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) listByParty(c *gin.Context) {
	offers, err := h.svc.ListByParty(c.Request.Context(), c.Param("partyId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) counter(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	counter, err := h.svc.Counter(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, counter)
}

func (h *Handler) accept(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	offer, txn, err := h.svc.Accept(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer, "transaction": txn})
}

type responseRequest struct {
	Message string `json:"message"`
}

func (h *Handler) reject(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	offer, err := h.svc.Reject(c.Request.Context(), c.Param("id"), actor, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) withdraw(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "invalid JSON body"})
		return
	}

	offer, err := h.svc.Withdraw(c.Request.Context(), c.Param("id"), actor, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

type extendRequest struct {
	ExpiresAt time.Time `json:"expires_at" binding:"required"`
}

func (h *Handler) extend(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "expires_at is required"})
		return
	}

	offer, err := h.svc.Extend(c.Request.Context(), c.Param("id"), actor, req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}
