package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/gateway"
	"github.com/shreed27/AgentHub-sub013/pkg/payment"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

type submitRequest struct {
	ID           string                 `json:"id"`
	Wallet       string                 `json:"wallet"`
	Service      string                 `json:"service" binding:"required"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     string                 `json:"priority"`
	PaymentProof *payment.Proof         `json:"payment_proof"`
	CallbackURL  string                 `json:"callback_url"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wallet, err := callerWallet(c, req.Wallet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := s.gw.Submit(c.Request.Context(), &gateway.ComputeRequest{
		ID:           req.ID,
		Wallet:       wallet,
		Service:      req.Service,
		Payload:      req.Payload,
		Priority:     req.Priority,
		PaymentProof: req.PaymentProof,
		CallbackURL:  req.CallbackURL,
	})

	status := http.StatusAccepted
	if resp.Status == store.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (s *Server) handleGetJob(c *gin.Context) {
	wallet, err := callerWallet(c, c.Query("wallet"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.gw.GetJob(c.Request.Context(), c.Param("id"), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if job == nil {
		// Ownership mismatch is indistinguishable from absence.
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	wallet, err := callerWallet(c, c.Query("wallet"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := s.gw.GetJobsByWallet(c.Request.Context(), wallet, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	wallet, err := callerWallet(c, c.Query("wallet"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cancelled, err := s.gw.CancelJob(c.Request.Context(), c.Param("id"), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false, "error": "job is not cancellable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	wallet, err := callerWallet(c, c.Query("wallet"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := s.ledger.Get(c.Request.Context(), store.NormalizeWallet(wallet))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, balance)
}

type depositRequest struct {
	Wallet string         `json:"wallet"`
	Proof  *payment.Proof `json:"proof" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wallet, err := callerWallet(c, req.Wallet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.gw.Deposit(c.Request.Context(), wallet, req.Proof)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type createKeyRequest struct {
	Wallet string `json:"wallet"`
	Name   string `json:"name" binding:"required"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wallet, err := callerWallet(c, req.Wallet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := s.keys.Create(c.Request.Context(), store.NormalizeWallet(wallet), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}
	// The only response that ever carries the full secret.
	c.JSON(http.StatusCreated, key)
}

func (s *Server) handleListKeys(c *gin.Context) {
	wallet, ok := requireWallet(c)
	if !ok {
		return
	}

	keys, err := s.keys.List(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	wallet, ok := requireWallet(c)
	if !ok {
		return
	}

	if err := s.keys.Revoke(c.Request.Context(), wallet, c.Param("key")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	if _, err := s.store.GetStats(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "store unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type setLimitsRequest struct {
	DailyLimit   *float64 `json:"daily_limit"`
	MonthlyLimit *float64 `json:"monthly_limit"`
}

func (s *Server) handleSetLimits(c *gin.Context) {
	var req setLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wallet := store.NormalizeWallet(c.Param("wallet"))
	limits := &store.SpendingLimits{
		Wallet:       wallet,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
	}
	if err := s.store.SetSpendingLimits(c.Request.Context(), limits); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set spending limits"})
		return
	}

	log.WithFields(log.Fields{
		"wallet":        wallet,
		"daily_limit":   req.DailyLimit,
		"monthly_limit": req.MonthlyLimit,
	}).Info("Spending limits updated")

	c.JSON(http.StatusOK, limits)
}

func (s *Server) handleGetLimits(c *gin.Context) {
	limits, err := s.store.GetSpendingLimits(c.Request.Context(), store.NormalizeWallet(c.Param("wallet")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get spending limits"})
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.gw.BreakerStates()})
}
