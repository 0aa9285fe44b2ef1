package http_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/core-coin/solvere/internal/commission"
	"github.com/core-coin/solvere/internal/intents"
	"github.com/core-coin/solvere/internal/ledger"
	"github.com/core-coin/solvere/internal/metrics"
	"github.com/core-coin/solvere/internal/models"
	"github.com/core-coin/solvere/internal/payout"
	"github.com/core-coin/solvere/internal/reconciliation"
	"github.com/core-coin/solvere/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// Service is what the ops API needs from the application. Every call returns
// current state; none performs a chain action inline.
type Service interface {
	Admit(ctx context.Context, req intents.AdmitRequest) (*intents.AdmitResult, error)
	GetIntent(ctx context.Context, intentID string) (*models.Intent, error)
	PendingIntents(ctx context.Context, programID, wallet string) ([]*models.Intent, error)

	AccountBalance(ctx context.Context, programID, account, currency string) (decimal.Decimal, error)
	AccountStatement(ctx context.Context, q ledger.StatementQuery) (*ledger.Statement, error)
	ProgramFinancials(ctx context.Context, programID string) (*ledger.Financials, error)
	ReverseLedgerTransaction(ctx context.Context, transactionID, actorID, reason string) (string, error)

	CommissionSummary(ctx context.Context, programID, affiliateID string) (*commission.Summary, error)

	CreatePayoutBatch(ctx context.Context, programID, period, creatorID string, minAmount decimal.Decimal) (*models.PayoutBatch, error)
	ApprovePayoutBatch(ctx context.Context, batchID, approverID string) (*models.PayoutBatch, error)
	ExecutePayoutBatch(ctx context.Context, batchID, actorID string) (int, error)
	GetPayoutBatch(ctx context.Context, batchID string) (*payout.BatchDetails, error)
	PayoutSummary(ctx context.Context, programID string) (*payout.ProgramSummary, error)
	AffiliateStatement(ctx context.Context, affiliateID string) (*payout.AffiliateStatement, error)

	RunReconciliation(ctx context.Context, programID string) (*reconciliation.Report, error)
	ReconciliationSummary(ctx context.Context, programID string) (*reconciliation.Summary, error)
	ResetStuckIntents(ctx context.Context, programID, actorID string) (int64, error)

	AuditLog(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, error)
	Health(ctx context.Context) error
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	// solvere is the application the handlers delegate to
	solvere Service
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+ActorHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(solvere Service, port int, logger *logger.Logger) *HTTPServer {
	router := gin.New()
	router.Use(gin.Recovery(), metrics.GinMiddleware(), corsMiddleware())

	server := &HTTPServer{
		router:  router,
		port:    port,
		solvere: solvere,
		logger:  logger,
		server: &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%v", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	// Define routes
	server.routes()

	return server
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Infow("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
