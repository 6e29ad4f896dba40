package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/internal/mixer"
	"github.com/terminal-bench/coinmix/internal/security"
)

// Gateway is the JSON API in front of the mixing engine.
type Gateway struct {
	engine  *mixer.Engine
	monitor *security.Monitor
	hub     *StatusHub
	secret  string
	log     *zap.Logger
}

func New(engine *mixer.Engine, monitor *security.Monitor, hub *StatusHub, secret string, log *zap.Logger) *Gateway {
	return &Gateway{
		engine:  engine,
		monitor: monitor,
		hub:     hub,
		secret:  secret,
		log:     log,
	}
}

// Router builds the gin engine with all routes wired.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	api := r.Group("/api/v1", g.sessionMiddleware())
	api.POST("/mix", g.createMix)
	api.GET("/mix/:id", g.getStatus)
	api.GET("/mix/:id/payment", g.checkPayment)
	api.GET("/mix/:id/logs", g.getLogs)
	api.GET("/mix/:id/stream", g.streamStatus)

	// signed callback from the walletnotify hook, no session
	r.POST("/internal/walletnotify", g.walletNotify)

	return r
}

type createRequest struct {
	Amount        string `json:"amount" binding:"required"`
	OutputAddress string `json:"output_address" binding:"required"`
}

func (g *Gateway) createMix(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	ipHash := security.Fingerprint(clientIP(c), g.secret)
	uaHash := security.Fingerprint(c.Request.UserAgent(), g.secret)

	allowed, err := g.monitor.CheckActivity(c.Request.Context(), ipHash)
	if err != nil {
		g.log.Error("activity check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests,
			gin.H{"error": "too many requests, please try again later"})
		return
	}

	tx, err := g.engine.Create(c.Request.Context(), mixer.CreateRequest{
		InputAmount:   amount,
		OutputAddress: req.OutputAddress,
		SessionID:     currentSession(c),
		IPHash:        ipHash,
		UserAgentHash: uaHash,
	})
	if err != nil {
		switch {
		case errors.Is(err, mixer.ErrInvalidAmount), errors.Is(err, mixer.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, mixer.ErrBackendUnavailable):
			c.JSON(http.StatusServiceUnavailable,
				gin.H{"error": "service temporarily unavailable"})
		default:
			g.log.Error("failed to create transaction", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction_id":        tx.ID,
		"input_address":         tx.InputAddress,
		"input_amount":          tx.InputAmount.String(),
		"fee_amount":            tx.FeeAmount.String(),
		"output_amount":         tx.OutputAmount.String(),
		"scheduled_output_time": tx.ScheduledOutputAt,
	})
}

func (g *Gateway) getStatus(c *gin.Context) {
	view, ok := g.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) checkPayment(c *gin.Context) {
	view, ok := g.loadOwned(c)
	if !ok {
		return
	}

	received, err := g.engine.DetectPayment(c.Request.Context(), view.ID)
	if err != nil && !errors.Is(err, mixer.ErrBackendUnavailable) {
		g.log.Error("payment check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := view.Status
	if received && status == mixer.StatusPending {
		status = mixer.StatusMixing
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id":   view.ID,
		"payment_received": received,
		"status":           status,
		"input_address":    view.InputAddress,
		"expected_amount":  view.InputAmount,
	})
}

func (g *Gateway) getLogs(c *gin.Context) {
	view, ok := g.loadOwned(c)
	if !ok {
		return
	}

	entries, err := g.engine.Logs(c.Request.Context(), view.ID)
	if err != nil {
		g.log.Error("failed to load audit trail", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": view.ID,
		"logs":           entries,
	})
}

type walletNotifyRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

// walletNotify is hit by the node's walletnotify hook when a deposit lands,
// so funding is picked up without waiting for the next poll. The request body
// is authenticated with an HMAC signature over the raw payload.
func (g *Gateway) walletNotify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	sig := c.GetHeader("X-Signature")
	if sig == "" || !security.VerifySignature(string(body), sig, g.secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var req walletNotifyRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	id, err := uuid.Parse(req.TransactionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	received, err := g.engine.DetectPayment(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, mixer.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		case errors.Is(err, mixer.ErrBackendUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "wallet unavailable"})
		default:
			g.log.Error("walletnotify processing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment_received": received})
}

// loadOwned fetches the status view and enforces session ownership.
func (g *Gateway) loadOwned(c *gin.Context) (*mixer.StatusView, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return nil, false
	}

	view, err := g.engine.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, mixer.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		} else {
			g.log.Error("failed to load transaction", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return nil, false
	}

	if view.SessionID != currentSession(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return nil, false
	}

	return view, true
}

func clientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := c.GetHeader("X-Real-IP"); real != "" {
		return real
	}
	return c.ClientIP()
}
