package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"bitbucket.org/mmdatafocus/stocktake_backend/middlewares"
	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"bitbucket.org/mmdatafocus/stocktake_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("stocktake-sync")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func errorResponse(c *gin.Context, err error) {
	c.JSON(utils.HTTPStatus(err), gin.H{"error": err.Error()})
}

// deviceIdFor resolves the acting device: the token middleware wins, a body
// field is accepted only when no token was presented (provisioning flows).
func deviceIdFor(c *gin.Context, bodyDeviceId string) (string, error) {
	if deviceId, ok := utils.GetDeviceIdFromContext(c.Request.Context()); ok && deviceId != "" {
		return deviceId, nil
	}
	if bodyDeviceId != "" {
		return bodyDeviceId, nil
	}
	return "", utils.NewValidationError("device identity required")
}

type pushRequest struct {
	DeviceId    string              `json:"device_id"`
	StocktakeId string              `json:"stocktake_id" binding:"required"`
	Items       []workflow.PushItem `json:"items" binding:"required"`
}

func syncPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pushRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		deviceId, err := deviceIdFor(c, req.DeviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "sync.push")
		defer span.End()

		result, err := workflow.ProcessPushBatch(ctx, config.GetDB(), req.StocktakeId, deviceId, req.Items)
		if err != nil {
			errorResponse(c, err)
			return
		}
		models.TouchDeviceLastSeen(ctx, deviceId)
		c.JSON(http.StatusOK, result)
	}
}

func syncPullHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		storeId, ok := utils.GetStoreIdFromContext(c.Request.Context())
		if !ok || storeId == "" {
			storeId = c.Query("store_id")
		}
		if storeId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required"})
			return
		}
		since := time.Time{}
		if v := c.Query("since"); v != "" {
			parsed, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				if parsed, err = time.Parse(time.RFC3339, v); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
					return
				}
			}
			since = parsed
		}

		ctx, span := tracer.Start(c.Request.Context(), "sync.pull")
		defer span.End()

		result, err := workflow.PullDelta(ctx, config.GetDB(), storeId, since, c.Query("stocktake_id"))
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type areaActionRequest struct {
	DeviceId string `json:"device_id"`
}

func areaClaimHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req areaActionRequest
		_ = c.ShouldBindJSON(&req)
		deviceId, err := deviceIdFor(c, req.DeviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		area, err := workflow.ClaimArea(c.Request.Context(), config.GetDB(), c.Param("id"), c.Param("areaId"), deviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, area)
	}
}

func areaReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req areaActionRequest
		_ = c.ShouldBindJSON(&req)
		deviceId, err := deviceIdFor(c, req.DeviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		if err := workflow.ReleaseArea(c.Request.Context(), config.GetDB(), c.Param("id"), c.Param("areaId"), deviceId); err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"released": true})
	}
}

func areaCompleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req areaActionRequest
		_ = c.ShouldBindJSON(&req)
		deviceId, err := deviceIdFor(c, req.DeviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		area, err := workflow.CompleteArea(c.Request.Context(), config.GetDB(), c.Param("id"), c.Param("areaId"), deviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, area)
	}
}

type scanUploadRequest struct {
	DeviceId string               `json:"device_id"`
	Scans    []workflow.ScanInput `json:"scans" binding:"required"`
}

func scanUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scanUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		deviceId, err := deviceIdFor(c, req.DeviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		result, err := workflow.UploadScanBatch(c.Request.Context(), config.GetDB(), c.Param("id"), deviceId, req.Scans)
		if err != nil {
			errorResponse(c, err)
			return
		}
		models.TouchDeviceLastSeen(c.Request.Context(), deviceId)
		c.JSON(http.StatusOK, result)
	}
}

func masterVersionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		storeId := c.Param("id")
		if _, err := models.GetStoreById(c.Request.Context(), storeId); err != nil {
			errorResponse(c, err)
			return
		}
		version, err := workflow.MasterVersionProbe(c.Request.Context(), config.GetDB(), storeId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		var count int64
		_ = config.GetDB().WithContext(c.Request.Context()).Model(&models.MasterItem{}).
			Where("store_id = ? AND is_active = ?", storeId, true).Count(&count).Error
		c.JSON(http.StatusOK, gin.H{"version": version, "count": count})
	}
}

func masterDownloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, version, err := workflow.MasterDownload(c.Request.Context(), config.GetDB(), c.Param("id"))
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": version, "count": len(items), "items": items})
	}
}

func masterImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart file field 'file' is required"})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open upload"})
			return
		}
		defer f.Close()

		replace := strings.EqualFold(c.Query("replace"), "true")
		result, err := workflow.ImportMasterItems(c.Request.Context(), config.GetDB(), c.Param("id"), f, replace)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func createStoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewStore
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		store, err := models.CreateStore(c.Request.Context(), &req)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusCreated, store)
	}
}

func registerDeviceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewDevice
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		device, err := models.RegisterDevice(c.Request.Context(), c.Param("id"), &req)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusCreated, device)
	}
}

type deviceTokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

func issueDeviceTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deviceTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		token, err := models.IssueDeviceToken(c.Request.Context(), c.Param("id"), req.Secret)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

type newStocktakeRequest struct {
	StoreId string `json:"store_id" binding:"required"`
	models.NewStocktake
}

func createStocktakeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req newStocktakeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		stocktake, err := models.CreateStocktake(c.Request.Context(), req.StoreId, &req.NewStocktake)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusCreated, stocktake)
	}
}

func activateStocktakeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req areaActionRequest
		_ = c.ShouldBindJSON(&req)
		deviceId, _ := deviceIdFor(c, req.DeviceId)
		stocktake, err := workflow.ActivateStocktake(c.Request.Context(), config.GetDB(), c.Param("id"), deviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, stocktake)
	}
}

func openSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req areaActionRequest
		_ = c.ShouldBindJSON(&req)
		deviceId, err := deviceIdFor(c, req.DeviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		session, err := models.OpenSession(c.Request.Context(), c.Param("id"), deviceId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// authorizeOps guards the internal ops surface with a shared key. Empty env
// disables the surface entirely.
func authorizeOps(c *gin.Context) error {
	expected := strings.TrimSpace(os.Getenv("OPS_API_KEY"))
	if expected == "" {
		return errors.New("ops surface disabled")
	}
	got := c.GetHeader("X-Ops-Key")
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return errors.New("unauthorized")
	}
	return nil
}

type outboxReplayRequest struct {
	RecordIds []int `json:"record_ids"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeOps(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		requeued, err := workflow.ReplayDeadEvents(c.Request.Context(), config.GetDB(), req.RecordIds)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": requeued})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("X-Device-Token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.DeviceMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Sync core.
	r.POST("/sync/push", syncPushHandler())
	r.GET("/sync/pull", syncPullHandler())
	r.POST("/stocktakes/:id/areas/:areaId/claim", areaClaimHandler())
	r.POST("/stocktakes/:id/areas/:areaId/release", areaReleaseHandler())
	r.POST("/stocktakes/:id/areas/:areaId/complete", areaCompleteHandler())
	r.POST("/stocktakes/:id/scans", scanUploadHandler())
	r.GET("/stores/:id/master/version", masterVersionHandler())
	r.GET("/stores/:id/master", masterDownloadHandler())
	r.POST("/stores/:id/master/import", masterImportHandler())

	// Provisioning (minimum collaborator surface for the sync core).
	r.POST("/stores", createStoreHandler())
	r.POST("/stores/:id/devices", registerDeviceHandler())
	r.POST("/devices/:id/token", issueDeviceTokenHandler())
	r.POST("/stocktakes", createStocktakeHandler())
	r.POST("/stocktakes/:id/activate", activateStocktakeHandler())
	r.POST("/stocktakes/:id/sessions", openSessionHandler())

	// Ops tooling: replay outbox events that were marked DEAD.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("sync API listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
