package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/shopsync/backend"
	"bitbucket.org/mmdatafocus/shopsync/config"
	"bitbucket.org/mmdatafocus/shopsync/models"
	"bitbucket.org/mmdatafocus/shopsync/utils"
	"bitbucket.org/mmdatafocus/shopsync/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8520"

func main() {
	_ = godotenv.Load()

	port := os.Getenv("SHOPSYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := config.ConnectDatabase(); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	models.MigrateTable()
	if err := models.InitSyncState(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "syncState"}).Fatal(err)
	}

	client, err := backend.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "backend"}).Fatal(err)
	}

	deviceId := strings.TrimSpace(os.Getenv("SHOPSYNC_DEVICE_ID"))
	if deviceId == "" {
		deviceId, _ = os.Hostname()
	}
	if deviceId == "" {
		deviceId = uuid.NewString()
	}
	// Every dispatched operation carries the device identity, and the
	// queue's claim locks are stamped with it.
	engineCtx := utils.SetDeviceIdInContext(sigCtx, deviceId)

	reconciler := workflow.NewReconciler(client, deviceId)
	scheduler := workflow.NewScheduler(reconciler)
	scheduler.Start(engineCtx)
	defer scheduler.Stop()

	go probeConnectivity(engineCtx, client, scheduler, logger)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "x-correlation-id")
	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/api/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.CurrentSyncState())
	})
	r.GET("/api/sync/dead-letters", func(c *gin.Context) {
		rows, err := models.DeadLetters(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rows)
	})
	r.POST("/api/sync/dead-letters/:id/retry", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}
		entry, err := models.GetQueueEntry(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err := models.RetryDeadLetter(c.Request.Context(), uint(id)); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		scheduler.Kick(entry.EntityType)
		c.Status(http.StatusAccepted)
	})
	r.POST("/api/sync/trigger", func(c *gin.Context) {
		kicked := 0
		for _, partition := range models.AllEntityTypes() {
			has, err := models.HasUnprocessed(c.Request.Context(), partition)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if has {
				scheduler.Kick(partition)
				kicked++
			}
		}
		c.JSON(http.StatusAccepted, gin.H{"partitions": kicked})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// probeConnectivity polls the backend health endpoint and feeds the
// online/offline signal to the scheduler. A successful probe after a dead
// stretch is what restarts drains, so the interval bounds how stale the
// offline verdict can be.
func probeConnectivity(ctx context.Context, client *backend.Client, scheduler *workflow.Scheduler, logger *logrus.Logger) {
	interval := time.Duration(intFromEnv("SHOPSYNC_PROBE_SECONDS", 15)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(probeCtx); err != nil {
			scheduler.SetOnline(false)
			logger.WithFields(logrus.Fields{"field": "connectivity"}).Debug(err)
			return
		}
		scheduler.SetOnline(true)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
