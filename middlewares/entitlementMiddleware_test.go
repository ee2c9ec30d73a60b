package middlewares_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/middlewares"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	config.SetDB(db)
	models.MigrateTable()
}

func gateRouter(businessId string, queuedHistory bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(utils.SetBusinessIdInContext(c.Request.Context(), businessId))
		c.Next()
	})
	r.Use(middlewares.EntitlementGate(queuedHistory))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doRequest(r *gin.Engine, method string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/ok", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestEntitlementGateBlocksExpiredWrites(t *testing.T) {
	setupTestDB(t)

	biz, err := models.CreateBusiness(context.Background(), &models.NewBusiness{Name: "Shop", Email: "s@test.dev"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	r := gateRouter(biz.ID, false)

	// trial running: everything passes
	if code := doRequest(r, http.MethodPost); code != http.StatusOK {
		t.Fatalf("write during trial: status %d", code)
	}

	// expire the trial; the gate sees it on the very next request with
	// nothing written
	db := config.GetDB()
	if err := db.Model(&models.Business{}).Where("id = ?", biz.ID).
		Update("trial_ends_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("expire trial: %v", err)
	}

	if code := doRequest(r, http.MethodPost); code != http.StatusPaymentRequired {
		t.Fatalf("write after expiry: status %d, want 402", code)
	}
	// reads still pass so the shop can show its own history
	if code := doRequest(r, http.MethodGet); code != http.StatusOK {
		t.Fatalf("read after expiry: status %d", code)
	}

	// the sync push stays open; the reconciler judges each mutation
	queued := gateRouter(biz.ID, true)
	if code := doRequest(queued, http.MethodPost); code != http.StatusOK {
		t.Fatalf("queued-history write after expiry: status %d", code)
	}
}

func TestEntitlementGateQueuedModeIsNotActivity(t *testing.T) {
	setupTestDB(t)

	biz, err := models.CreateBusiness(context.Background(), &models.NewBusiness{Name: "Dormant", Email: "d@test.dev"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	db := config.GetDB()
	if err := db.Model(&models.Business{}).Where("id = ?", biz.ID).
		Updates(map[string]interface{}{
			"trial_ends_at": time.Now().UTC().Add(-time.Hour),
			"is_archived":   true,
		}).Error; err != nil {
		t.Fatalf("archive business: %v", err)
	}

	// the push passes the gate, but only mutations the reconciler accepts
	// count as activity
	queued := gateRouter(biz.ID, true)
	if code := doRequest(queued, http.MethodPost); code != http.StatusOK {
		t.Fatalf("queued-history push: status %d", code)
	}

	var got models.Business
	if err := db.Where("id = ?", biz.ID).First(&got).Error; err != nil {
		t.Fatalf("reload business: %v", err)
	}
	if got.IsArchived == nil || !*got.IsArchived {
		t.Fatalf("passing the gate alone must not reactivate an archived business")
	}
}

func TestEntitlementGateRejectsUnknownBusiness(t *testing.T) {
	setupTestDB(t)
	r := gateRouter("no-such-business", false)
	if code := doRequest(r, http.MethodGet); code != http.StatusUnauthorized {
		t.Fatalf("unknown business: status %d, want 401", code)
	}
}
