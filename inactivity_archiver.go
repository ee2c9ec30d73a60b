package main

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/sirupsen/logrus"
)

// runInactivityArchiver flags businesses with no activity for the
// configured threshold. Archiving is a marker only; data is kept and the
// flag clears itself on the next authenticated write.
func runInactivityArchiver(ctx context.Context) {
	logger := config.GetLogger()
	interval := time.Duration(utils.IntFromEnv("ARCHIVER_INTERVAL_HOURS", 24)) * time.Hour

	archiveInactive(ctx, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archiveInactive(ctx, logger)
		}
	}
}

func archiveInactive(ctx context.Context, logger *logrus.Logger) {
	thresholdDays := utils.IntFromEnv("INACTIVITY_THRESHOLD_DAYS", 90)
	cutoff := time.Now().UTC().Add(-time.Duration(thresholdDays) * 24 * time.Hour)

	archived, err := models.ArchiveInactiveBusinesses(ctx, cutoff)
	if err != nil {
		config.LogError(logger, "inactivity_archiver.go", "archiveInactive", "archive businesses", nil, err)
		return
	}
	if archived > 0 {
		logger.WithFields(logrus.Fields{
			"archived": archived,
			"cutoff":   cutoff,
		}).Info("archived inactive businesses")
	}
}
