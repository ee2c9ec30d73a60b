package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
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

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestLoginRequiresVerifiedEmail(t *testing.T) {
	setupTestDB(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/auth/login", loginHandler())
	r.POST("/auth/verify", verifyEmailHandler())

	ctx := context.Background()
	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Shop", Email: "owner@shop.test"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	if _, err := models.CreateUser(ctx, biz.ID, &models.NewUser{
		Name: "Owner", Email: "owner@shop.test", Password: "correct-horse",
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	login := map[string]string{"email": "owner@shop.test", "password": "correct-horse"}

	w := postJSON(t, r, "/auth/login", login)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unverified login: status %d, want 403", w.Code)
	}
	var rejection struct {
		RequiresVerification bool `json:"requires_verification"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rejection); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if !rejection.RequiresVerification {
		t.Fatalf("rejection must flag requires_verification: %s", w.Body.String())
	}

	if w := postJSON(t, r, "/auth/verify", map[string]string{"token": "no-such-token"}); w.Code != http.StatusNotFound {
		t.Fatalf("bogus token: status %d, want 404", w.Code)
	}
	if w := postJSON(t, r, "/auth/verify", map[string]string{"token": biz.VerificationToken}); w.Code != http.StatusOK {
		t.Fatalf("verify: status %d", w.Code)
	}

	w = postJSON(t, r, "/auth/login", login)
	if w.Code != http.StatusOK {
		t.Fatalf("verified login: status %d, body %s", w.Code, w.Body.String())
	}
	var ok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if ok.Token == "" {
		t.Fatalf("verified login must return a token")
	}
}
