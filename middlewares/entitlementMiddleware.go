package middlewares

import (
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/gin-gonic/gin"
)

// EntitlementGate computes the access level fresh on every request from
// the stored trial/subscription deadlines. No caching of the decision
// and no write is needed to expire a business.
//
// Reads always pass: an expired business can still view its data.
// Mutating methods need a live window, except on routes registered in
// queued-history mode (the sync push), where an expired business may
// still submit and the reconciler judges each mutation against the
// window at the time it was created.
func EntitlementGate(queuedHistory bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
		if !ok || businessId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		business, err := models.GetBusinessById(c.Request.Context(), businessId)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown business"})
			return
		}

		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		if !business.HasAccessAt(time.Now()) && !queuedHistory {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"message":                 "subscription required",
				"trial_ends_at":           business.TrialEndsAt,
				"is_subscribed":           business.IsSubscribed,
				"subscription_expires_at": business.SubscriptionExpiresAt,
			})
			return
		}

		// a permitted live write is activity: bump last_active_at and
		// reactivate an archived business. The sync push counts activity
		// only for mutations the reconciler accepts, so it is not touched
		// here.
		if !queuedHistory {
			_ = models.TouchBusinessActivity(c.Request.Context(), businessId)
		}

		c.Next()
	}
}
