package http_api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/payout"
)

// ActorHeader names the operator performing an administrative action.
const ActorHeader = "X-Actor-ID"

// AdmitRequest represents the JSON body for intent admission
type AdmitRequest struct {
	ProgramID      string          `json:"program_id" binding:"required"`
	Type           string          `json:"type" binding:"required"`
	Wallet         string          `json:"wallet" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type CreateBatchRequest struct {
	Period    string          `json:"period" binding:"required"`
	MinAmount decimal.Decimal `json:"min_amount"`
}

type ReverseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ResetStuckRequest struct {
	ProgramID string `json:"program_id"`
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, intents.ErrInvalidPayload),
		errors.Is(err, intents.ErrInvalidType),
		errors.Is(err, payout.ErrInvalidBatch),
		errors.Is(err, ledger.ErrInvalidPosting),
		errors.Is(err, ledger.ErrReversalOfRevert):
		return http.StatusBadRequest
	case errors.Is(err, payout.ErrSameApprover):
		return http.StatusForbidden
	case errors.Is(err, intents.ErrProgramNotFound), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payout.ErrBatchExists),
		errors.Is(err, payout.ErrInvalidTransition),
		errors.Is(err, ledger.ErrAlreadyReversed):
		return http.StatusConflict
	case errors.Is(err, payout.ErrNoEligibleAffiliates):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	} else {
		s.logger.Debugw("Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}

func (s *HTTPServer) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   msg,
	})
}

// actor returns the operator id for administrative calls, rejecting the
// request when it is missing.
func (s *HTTPServer) actor(c *gin.Context) (string, bool) {
	actorID := c.GetHeader(ActorHeader)
	if actorID == "" {
		s.badRequest(c, ActorHeader+" header is required")
		return "", false
	}
	return actorID, true
}

func (s *HTTPServer) health(c *gin.Context) {
	if err := s.solvere.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// admitIntent persists an intent and defers its execution to the workers.
// A duplicate admission answers 200 with the existing intent.
func (s *HTTPServer) admitIntent(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	intentType := models.IntentType(req.Type)
	if !intentType.Valid() {
		s.badRequest(c, "Unknown intent type: "+req.Type)
		return
	}
	payload, err := models.DecodePayload(intentType, datatypes.JSON(req.Payload))
	if err != nil {
		s.badRequest(c, "Invalid payload: "+err.Error())
		return
	}

	res, err := s.solvere.Admit(c.Request.Context(), intents.AdmitRequest{
		ProgramID:      req.ProgramID,
		Wallet:         req.Wallet,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        c.GetHeader(ActorHeader),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *HTTPServer) getIntent(c *gin.Context) {
	intent, err := s.solvere.GetIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *HTTPServer) pendingIntents(c *gin.Context) {
	list, err := s.solvere.PendingIntents(c.Request.Context(), c.Param("program_id"), c.Param("wallet"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": list})
}

func (s *HTTPServer) accountBalance(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		s.badRequest(c, "account is required")
		return
	}
	balance, err := s.solvere.AccountBalance(c.Request.Context(), c.Param("program_id"), account, c.Query("currency"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "currency": c.Query("currency"), "balance": balance})
}

func (s *HTTPServer) accountStatement(c *gin.Context) {
	q := ledger.StatementQuery{ProgramID: c.Param("program_id"), Account: c.Query("account")}
	if q.Account == "" {
		s.badRequest(c, "account is required")
		return
	}
	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		s.badRequest(c, "invalid from: "+err.Error())
		return
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		s.badRequest(c, "invalid to: "+err.Error())
		return
	}
	if q.Limit, err = parseInt(c.Query("limit")); err != nil {
		s.badRequest(c, "invalid limit")
		return
	}
	if q.Offset, err = parseInt(c.Query("offset")); err != nil {
		s.badRequest(c, "invalid offset")
		return
	}

	statement, err := s.solvere.AccountStatement(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statement)
}

func (s *HTTPServer) programFinancials(c *gin.Context) {
	financials, err := s.solvere.ProgramFinancials(c.Request.Context(), c.Param("program_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, financials)
}

func (s *HTTPServer) reverseTransaction(c *gin.Context) {
	actorID, ok := s.actor(c)
	if !ok {
		return
	}
	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	reversalID, err := s.solvere.ReverseLedgerTransaction(c.Request.Context(), c.Param("id"), actorID, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "reversal_transaction_id": reversalID})
}

func (s *HTTPServer) commissionSummary(c *gin.Context) {
	summary, err := s.solvere.CommissionSummary(c.Request.Context(), c.Param("program_id"), c.Param("affiliate_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *HTTPServer) createBatch(c *gin.Context) {
	actorID, ok := s.actor(c)
	if !ok {
		return
	}
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	batch, err := s.solvere.CreatePayoutBatch(c.Request.Context(), c.Param("program_id"), req.Period, actorID, req.MinAmount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (s *HTTPServer) approveBatch(c *gin.Context) {
	actorID, ok := s.actor(c)
	if !ok {
		return
	}
	batch, err := s.solvere.ApprovePayoutBatch(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// executeBatch starts the batch; payouts are transferred by the payout workers.
func (s *HTTPServer) executeBatch(c *gin.Context) {
	actorID, ok := s.actor(c)
	if !ok {
		return
	}
	queued, err := s.solvere.ExecutePayoutBatch(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "queued_payouts": queued})
}

func (s *HTTPServer) getBatch(c *gin.Context) {
	details, err := s.solvere.GetPayoutBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *HTTPServer) payoutSummary(c *gin.Context) {
	summary, err := s.solvere.PayoutSummary(c.Request.Context(), c.Param("program_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *HTTPServer) affiliateStatement(c *gin.Context) {
	statement, err := s.solvere.AffiliateStatement(c.Request.Context(), c.Param("affiliate_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statement)
}

func (s *HTTPServer) runReconciliation(c *gin.Context) {
	report, err := s.solvere.RunReconciliation(c.Request.Context(), c.Query("program_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *HTTPServer) reconciliationSummary(c *gin.Context) {
	summary, err := s.solvere.ReconciliationSummary(c.Request.Context(), c.Query("program_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *HTTPServer) resetStuckIntents(c *gin.Context) {
	actorID, ok := s.actor(c)
	if !ok {
		return
	}
	var req ResetStuckRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	n, err := s.solvere.ResetStuckIntents(c.Request.Context(), req.ProgramID, actorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reset": n})
}

func (s *HTTPServer) auditLog(c *gin.Context) {
	limit, err := parseInt(c.Query("limit"))
	if err != nil {
		s.badRequest(c, "invalid limit")
		return
	}
	logs, err := s.solvere.AuditLog(c.Request.Context(), models.AuditFilter{
		ProgramID:  c.Query("program_id"),
		Action:     models.AuditAction(c.Query("action")),
		TargetType: c.Query("target_type"),
		TargetID:   c.Query("target_id"),
		Limit:      limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
