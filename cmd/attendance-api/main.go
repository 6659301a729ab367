package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/sma-attendance-sync/api/swagger"
	"github.com/noah-isme/sma-attendance-sync/internal/handler"
	"github.com/noah-isme/sma-attendance-sync/internal/middleware"
	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/internal/repository"
	"github.com/noah-isme/sma-attendance-sync/internal/service"
	"github.com/noah-isme/sma-attendance-sync/pkg/cache"
	"github.com/noah-isme/sma-attendance-sync/pkg/config"
	"github.com/noah-isme/sma-attendance-sync/pkg/database"
	"github.com/noah-isme/sma-attendance-sync/pkg/jobs"
	"github.com/noah-isme/sma-attendance-sync/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-attendance-sync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-attendance-sync/pkg/middleware/requestid"
	"github.com/noah-isme/sma-attendance-sync/pkg/storage"
)

// @title School Attendance Sync API
// @version 1.0.0
// @description Scan capture, attendance ledger, remote sync and school calendar imports.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const (
	exportCleanupSchedule = "@every 1h"
	captureReapSchedule   = "@every 1m"
	shutdownTimeout       = 15 * time.Second
)

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB
	redis  *redis.Client

	auth       *service.AuthService
	metrics    *service.MetricsService
	attendance *service.AttendanceService
	sync       *service.SyncService
	calendar   *service.CalendarService
	exports    *service.ExportService
	capture    *service.CaptureService
	queue      *jobs.Queue
}

func main() {
	issueRole := flag.String("issue-token", "", "print a bearer token for the given role (ADMIN, TEACHER, SCANNER) and exit")
	subject := flag.String("subject", "operator", "subject of the issued token")
	ttl := flag.Duration("ttl", 0, "lifetime of the issued token (defaults to 12h)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *issueRole != "" {
		role, ok := models.ParseUserRole(*issueRole)
		if !ok {
			log.Fatalf("unknown role %q (want ADMIN, TEACHER or SCANNER)", *issueRole)
		}
		auth := service.NewAuthService(service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret})
		token, expiresAt, err := auth.IssueToken(*subject, role, *ttl)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, logr)
	if err != nil {
		logr.Sugar().Fatalw("bootstrap failed", "error", err)
	}
	defer a.db.Close()
	defer a.redis.Close()

	if err := a.run(ctx); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
	logr.Info("server stopped")
}

func bootstrap(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*app, error) {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(db.DB, logr); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	validate := validator.New()
	loc := cfg.School.Location()
	metrics := service.NewMetricsService()

	attendanceRepo := repository.NewAttendanceRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	calendarRepo := repository.NewCalendarRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, cfg.Redis.KeyPrefix)
	remoteRepo := repository.NewRemoteAttendanceRepository(redisClient, cfg.Sync.RemoteKey)

	attendanceSvc := service.NewAttendanceService(attendanceRepo, studentRepo, validate, loc, logr)

	worker := service.NewSyncWorker(attendanceSvc, remoteRepo, cfg.Sync.BatchSize, logr)
	queue := jobs.NewQueue("attendance-sync", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Sync.Workers,
		MaxRetries: cfg.Sync.Retries,
		RetryDelay: cfg.Sync.RetryDelay,
		Logger:     logr,
	})
	metrics.ObserveQueue("attendance-sync", queue.Stats)
	syncSvc := service.NewSyncService(service.NewQueueSyncTrigger(queue), attendanceSvc, metrics, service.SyncServiceConfig{
		Timeout:         cfg.Sync.Timeout,
		DisplayInterval: cfg.Sync.DisplayInterval,
		PollInterval:    cfg.Sync.PollInterval,
	}, logr)
	attendanceSvc.OnChange(syncSvc.NotifyLedgerChanged)

	cacheSvc := service.NewReadCache(cacheRepo, metrics, cfg.Calendar.CacheTTL, cfg.Calendar.CacheEnabled, logr.Named("cache"))
	calendarSvc := service.NewCalendarService(calendarRepo, cacheSvc, metrics, loc, logr)

	files, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("prepare export storage: %w", err)
	}
	signer := storage.NewDownloadSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
	exportSvc := service.NewExportService(attendanceSvc, calendarSvc, files, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		ResultTTL: 24 * time.Hour,
	}, logr)

	captureSvc := service.NewCaptureService(ctx, attendanceSvc, validate, metrics, service.CaptureDefaults{
		Cooldown:       cfg.Capture.Cooldown,
		ValidityWindow: cfg.Capture.ValidityWindow,
		FrameBuffer:    cfg.Capture.FrameBuffer,
		IdleTimeout:    cfg.Capture.IdleTimeout,
	}, logr)

	return &app{
		cfg:        cfg,
		logger:     logr,
		db:         db,
		redis:      redisClient,
		auth:       service.NewAuthService(service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret}),
		metrics:    metrics,
		attendance: attendanceSvc,
		sync:       syncSvc,
		calendar:   calendarSvc,
		exports:    exportSvc,
		capture:    captureSvc,
		queue:      queue,
	}, nil
}

func (a *app) run(ctx context.Context) error {
	a.queue.Start(ctx)
	defer a.queue.Stop()

	scheduler, err := a.scheduler(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           a.router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sync.Start(gctx)
	})
	g.Go(func() error {
		a.logger.Sugar().Infow("server starting", "addr", srv.Addr, "env", a.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.capture.Shutdown()
		err := srv.Shutdown(shutdownCtx)
		a.sync.Wait()
		return err
	})
	return g.Wait()
}

func (a *app) scheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	if a.cfg.Sync.Schedule != "" {
		if _, err := c.AddFunc(a.cfg.Sync.Schedule, func() {
			state, ran := a.sync.Refresh(ctx, false)
			if ran {
				a.logger.Info("scheduled sync finished", zap.String("phase", string(state.Phase)))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule sync %q: %w", a.cfg.Sync.Schedule, err)
		}
	}

	if _, err := c.AddFunc(exportCleanupSchedule, func() {
		removed, err := a.exports.Cleanup(0)
		if err != nil {
			a.logger.Warn("export cleanup failed", zap.Error(err))
			return
		}
		if len(removed) > 0 {
			a.logger.Info("expired exports removed", zap.Int("count", len(removed)))
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(captureReapSchedule, func() {
		a.capture.CloseIdle(0)
	}); err != nil {
		return nil, err
	}

	return c, nil
}

func (a *app) router(ctx context.Context) *gin.Engine {
	if a.cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(a.logger))
	r.Use(corsmiddleware.New(a.cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(a.metrics, "/metrics", "/health", "/ready"))

	metricsHandler := handler.NewMetricsHandler(a.metrics, map[string]handler.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return a.db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return cache.Ping(ctx, a.redis) },
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if a.cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	captureHandler := handler.NewCaptureHandler(a.capture)
	attendanceHandler := handler.NewAttendanceHandler(a.attendance, a.exports)
	syncHandler := handler.NewSyncHandler(ctx, a.sync)
	calendarHandler := handler.NewCalendarHandler(a.calendar)

	api := r.Group(a.cfg.APIPrefix)
	api.GET("/exports/:token", attendanceHandler.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(a.auth))

	staff := middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin)
	admin := middleware.RequireRoles(models.RoleAdmin)

	captureGroup := secured.Group("/capture", middleware.RequireRoles(models.RoleScanner, models.RoleTeacher, models.RoleAdmin))
	captureGroup.POST("/sessions", captureHandler.Open)
	captureGroup.GET("/sessions", captureHandler.List)
	captureGroup.GET("/sessions/:id", captureHandler.Get)
	captureGroup.POST("/sessions/:id/scans", logger.Quiet(), captureHandler.Scan)
	captureGroup.DELETE("/sessions/:id", captureHandler.Close)

	attendance := secured.Group("/attendance", staff)
	attendance.POST("", attendanceHandler.Record)
	attendance.POST("/bulk", attendanceHandler.BulkRecord)
	attendance.GET("/history", attendanceHandler.History)
	attendance.GET("/current", attendanceHandler.Current)
	attendance.GET("/export", attendanceHandler.Export)
	attendance.DELETE("/:id", admin, attendanceHandler.Delete)
	attendance.DELETE("", admin, attendanceHandler.Wipe)

	students := secured.Group("/students", staff)
	students.GET("", attendanceHandler.Students)
	students.POST("", admin, attendanceHandler.RegisterStudents)

	syncGroup := secured.Group("/sync", staff)
	syncGroup.GET("/status", syncHandler.Status)
	syncGroup.POST("/refresh", syncHandler.Refresh)
	syncGroup.GET("/stream", syncHandler.Stream)

	calendar := secured.Group("/calendar", staff)
	calendar.GET("/period", calendarHandler.Period)
	calendar.GET("/events", calendarHandler.Events)
	calendar.POST("/import", admin, calendarHandler.Import)

	secured.GET("/metrics/summary", admin, metricsHandler.Summary)

	return r
}
