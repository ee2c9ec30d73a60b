package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/middlewares"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/paygate"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

type registration struct {
	Business models.NewBusiness `json:"business" binding:"required"`
	Owner    models.NewUser     `json:"owner" binding:"required"`
	DeviceId string             `json:"device_id"`
}

func registerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input registration
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}

		business, err := models.CreateBusiness(c.Request.Context(), &input.Business)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "registration failed"})
			return
		}
		user, err := models.CreateUser(c.Request.Context(), business.ID, &input.Owner)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "registration failed"})
			return
		}

		token, err := utils.JwtGenerate(user.ID, business.ID, input.DeviceId)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "registration failed"})
			return
		}

		// TODO: deliver the verification token through a mailer instead of
		// the registration response
		c.JSON(http.StatusCreated, gin.H{
			"token":              token,
			"business_id":        business.ID,
			"user_id":            user.ID,
			"trial_ends_at":      business.TrialEndsAt,
			"verification_token": business.VerificationToken,
		})
	}
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.Login
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}

		user, err := models.AuthenticateUser(c.Request.Context(), input.Email, input.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
			return
		}

		business, err := models.GetBusinessById(c.Request.Context(), user.BusinessId)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
			return
		}
		if business.EmailVerified == nil || !*business.EmailVerified {
			c.JSON(http.StatusForbidden, gin.H{
				"message":               "email not verified",
				"requires_verification": true,
			})
			return
		}

		token, err := utils.JwtGenerate(user.ID, user.BusinessId, input.DeviceId)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "login failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":       token,
			"business_id": user.BusinessId,
			"user_id":     user.ID,
		})
	}
}

type emailVerification struct {
	Token string `json:"token" binding:"required"`
}

func verifyEmailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input emailVerification
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}
		business, err := models.VerifyBusinessEmail(c.Request.Context(), input.Token)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "unknown verification token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"business_id": business.ID, "email_verified": true})
	}
}

func syncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		var req models.SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}

		resp, err := workflow.ReconcileSyncBatch(c.Request.Context(), businessId, &req)
		if err != nil {
			if errors.Is(err, workflow.ErrBusinessMismatch) {
				c.JSON(http.StatusForbidden, gin.H{"message": "business mismatch"})
				return
			}
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "sync failed"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func snapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		var since *time.Time
		if raw := strings.TrimSpace(c.Query("since")); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"message": "since must be RFC3339"})
				return
			}
			since = utils.NewTime(parsed)
		}

		// watermark taken before the read so a record committed mid-read
		// still lands in the next delta
		serverTime := time.Now().UTC()
		snapshot, err := models.BuildSnapshot(c.Request.Context(), businessId, since)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "snapshot failed"})
			return
		}
		c.JSON(http.StatusOK, models.SyncResponse{
			Snapshot:   snapshot,
			IsDelta:    since != nil,
			ServerTime: serverTime,
		})
	}
}

func listHandler[T any](list func(ctx context.Context, businessId string, since *time.Time) ([]T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		records, err := list(c.Request.Context(), businessId, nil)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "list failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": records})
	}
}

// liveMutation pushes a single mutation through the same reconcile path
// as a sync batch, so locking, last-writer-wins and restock behave
// identically whether a write arrives live or queued.
func liveMutation(c *gin.Context, mut models.PendingMutation) {
	businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
	deviceId, _ := utils.GetDeviceIdFromContext(c.Request.Context())

	req := models.SyncRequest{
		BusinessId: businessId,
		DeviceId:   deviceId,
		Mutations:  []models.PendingMutation{mut},
	}
	resp, err := workflow.ReconcileSyncBatch(c.Request.Context(), businessId, &req)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "operation failed"})
		return
	}
	if len(resp.Rejected) > 0 {
		rej := resp.Rejected[0]
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": rej.Message, "code": rej.Code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_time": resp.ServerTime})
}

func deleteTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		if _, err := utils.FetchModel[models.SaleTransaction](c.Request.Context(), businessId, c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "transaction not found"})
			return
		}
		liveMutation(c, models.PendingMutation{
			RecordType:      models.RecordTypeSaleTransaction,
			RecordId:        c.Param("id"),
			Action:          models.MutationActionDelete,
			ClientTimestamp: time.Now().UTC(),
		})
	}
}

type categoryInput struct {
	Id   string `json:"id"`
	Name string `json:"name" binding:"required"`
}

func upsertCategoryHandler(action models.MutationAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input categoryInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}
		recordId := input.Id
		if action == models.MutationActionUpdate {
			recordId = c.Param("id")
			businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
			if err := utils.ValidateResourceId[models.ProductCategory](c.Request.Context(), businessId, recordId); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"message": "category not found"})
				return
			}
		}
		if recordId == "" {
			recordId = uuid.NewString()
		}
		payload, _ := json.Marshal(map[string]string{"id": recordId, "name": input.Name})
		liveMutation(c, models.PendingMutation{
			RecordType:      models.RecordTypeProductCategory,
			RecordId:        recordId,
			Action:          action,
			Payload:         payload,
			ClientTimestamp: time.Now().UTC(),
		})
	}
}

func deleteCategoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		liveMutation(c, models.PendingMutation{
			RecordType:      models.RecordTypeProductCategory,
			RecordId:        c.Param("id"),
			Action:          models.MutationActionDelete,
			ClientTimestamp: time.Now().UTC(),
		})
	}
}

func updatePinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPin
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())

		if err := models.UpdateUserPin(c.Request.Context(), businessId, userId, input.Pin); err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "pin update failed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func createPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPendingPayment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": utils.FormatValidationError(err)})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		payment, err := models.CreatePendingPayment(c.Request.Context(), businessId, &input)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "payment creation failed"})
			return
		}
		c.JSON(http.StatusCreated, payment)
	}
}

func getPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())

		payment, err := models.GetPendingPaymentByReference(c.Request.Context(), businessId, c.Param("reference"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "payment not found"})
			return
		}
		c.JSON(http.StatusOK, payment)
	}
}

func reconcilePaymentHandler(verifier workflow.PaymentVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		reference := c.Param("reference")

		// ownership check before touching the payment
		if _, err := models.GetPendingPaymentByReference(c.Request.Context(), businessId, reference); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "payment not found"})
			return
		}
		if err := workflow.ReconcilePayment(c.Request.Context(), verifier, reference); err != nil {
			c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"message": "payment verification unavailable"})
			return
		}
		payment, err := models.GetPendingPaymentByReference(c.Request.Context(), businessId, reference)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "payment not found"})
			return
		}
		c.JSON(http.StatusOK, payment)
	}
}

type paymentWebhook struct {
	Reference string `json:"reference" binding:"required"`
	Status    string `json:"status"`
}

// paymentWebhookHandler accepts provider pushes. The posted status is a
// hint only; the reference is re-verified against the provider before
// anything changes.
func paymentWebhookHandler(verifier workflow.PaymentVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input paymentWebhook
		if err := c.ShouldBindJSON(&input); err != nil {
			// malformed body: ack and drop to avoid provider retry storms
			c.Status(http.StatusNoContent)
			return
		}
		if err := workflow.ReconcilePayment(c.Request.Context(), verifier, input.Reference); err != nil {
			c.Error(err)
			// non-2xx so the provider retries later
			c.JSON(http.StatusInternalServerError, gin.H{"message": "reconcile failed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// customErrorLogger logs only requests that accumulated errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func buildRouter(verifier workflow.PaymentVerifier) *gin.Engine {
	logger := config.GetLogger()

	r := gin.New()
	// correlation id: generate once per request and attach to context
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// gate app endpoints on dependency readiness
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/auth/register", registerHandler())
	r.POST("/auth/login", loginHandler())
	r.POST("/auth/verify", verifyEmailHandler())
	r.POST("/webhooks/payments", paymentWebhookHandler(verifier))

	api := r.Group("/api", middlewares.AuthMiddleware())

	// payments stay reachable when access has lapsed; renewal is the
	// whole point of paying
	api.POST("/payments", createPaymentHandler())
	api.GET("/payments/:reference", getPaymentHandler())
	api.POST("/payments/:reference/reconcile", reconcilePaymentHandler(verifier))

	// the batch endpoint judges entitlement per mutation at its client
	// timestamp, so the gate only tracks activity here
	api.POST("/sync", middlewares.EntitlementGate(true), syncHandler())

	gated := api.Group("", middlewares.EntitlementGate(false))
	gated.GET("/sync", snapshotHandler())
	gated.GET("/products", listHandler(models.ListProducts))
	gated.GET("/transactions", listHandler(models.ListSaleTransactions))
	gated.GET("/expenses", listHandler(models.ListExpenses))
	gated.GET("/categories", listHandler(models.ListProductCategories))
	gated.DELETE("/transactions/:id", deleteTransactionHandler())
	gated.POST("/categories", upsertCategoryHandler(models.MutationActionCreate))
	gated.PUT("/categories/:id", upsertCategoryHandler(models.MutationActionUpdate))
	gated.DELETE("/categories/:id", deleteCategoryHandler())
	gated.PUT("/users/pin", updatePinHandler())

	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	verifier, err := paygate.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "paygate"}).Panic(err.Error())
	}

	r := buildRouter(verifier)

	// start listening before dependencies connect; readiness gate
	// returns 503 until they do
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run blocking DDL; allow running migrations as a
	// separate job
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if utils.EnvBoolDefault("PAYMENT_RECONCILER_ENABLED", true) {
		go runPaymentReconciler(workerCtx, verifier)
	}
	if utils.EnvBoolDefault("ARCHIVER_ENABLED", true) {
		go runInactivityArchiver(workerCtx)
	}

	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// stop background workers before draining so they don't start new
	// work mid-shutdown
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
