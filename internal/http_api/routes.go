package http_api

import (
	"github.com/gin-gonic/gin"

	"github.com/core-coin/solvere/internal/metrics"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")

	v1.POST("/intents", s.admitIntent)
	v1.GET("/intents/:id", s.getIntent)

	program := v1.Group("/programs/:program_id")
	program.GET("/wallets/:wallet/intents", s.pendingIntents)
	program.GET("/ledger/balance", s.accountBalance)
	program.GET("/ledger/statement", s.accountStatement)
	program.GET("/financials", s.programFinancials)
	program.POST("/batches", s.createBatch)
	program.GET("/payouts/summary", s.payoutSummary)
	program.GET("/affiliates/:affiliate_id/commissions", s.commissionSummary)

	v1.POST("/ledger/transactions/:id/reverse", s.reverseTransaction)

	v1.GET("/batches/:id", s.getBatch)
	v1.POST("/batches/:id/approve", s.approveBatch)
	v1.POST("/batches/:id/execute", s.executeBatch)

	v1.GET("/affiliates/:affiliate_id/statement", s.affiliateStatement)

	v1.POST("/reconciliation/run", s.runReconciliation)
	v1.GET("/reconciliation/summary", s.reconciliationSummary)
	v1.POST("/reconciliation/reset-stuck", s.resetStuckIntents)

	v1.GET("/audit", s.auditLog)
}
