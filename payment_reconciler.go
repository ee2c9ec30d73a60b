package main

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/sirupsen/logrus"
)

// runPaymentReconciler is the safety net behind the payment webhook: any
// payment stuck pending past the grace window gets re-verified against
// the provider, so a missed webhook delays a renewal by at most one
// interval instead of losing it.
func runPaymentReconciler(ctx context.Context, verifier workflow.PaymentVerifier) {
	logger := config.GetLogger()
	interval := time.Duration(utils.IntFromEnv("PAYMENT_RECONCILE_INTERVAL_SECONDS", 300)) * time.Second

	reconcileStalePayments(ctx, logger, verifier)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileStalePayments(ctx, logger, verifier)
		}
	}
}

func reconcileStalePayments(ctx context.Context, logger *logrus.Logger, verifier workflow.PaymentVerifier) {
	grace := time.Duration(utils.IntFromEnv("PAYMENT_RECONCILE_GRACE_SECONDS", 60)) * time.Second
	batchSize := utils.IntFromEnv("PAYMENT_RECONCILE_BATCH_SIZE", 100)

	payments, err := models.ListStalePendingPayments(ctx, time.Now().UTC().Add(-grace), batchSize)
	if err != nil {
		config.LogError(logger, "payment_reconciler.go", "reconcileStalePayments", "list stale payments", nil, err)
		return
	}
	if len(payments) == 0 {
		return
	}

	logger.WithFields(logrus.Fields{
		"count": len(payments),
	}).Info("reconciling stale pending payments")

	for _, payment := range payments {
		if ctx.Err() != nil {
			return
		}
		// one payment failing must not stop the rest of the batch
		if err := workflow.ReconcilePayment(ctx, verifier, payment.Reference); err != nil {
			config.LogError(logger, "payment_reconciler.go", "reconcileStalePayments", "reconcile payment", map[string]interface{}{
				"reference":  payment.Reference,
				"businessId": payment.BusinessId,
			}, err)
		}
	}
}
