package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"refactor-cloud/internal/agentrelay"
	"refactor-cloud/internal/auth"
	"refactor-cloud/internal/config"
	"refactor-cloud/internal/docker"
	"refactor-cloud/internal/files"
	"refactor-cloud/internal/handlers"
	"refactor-cloud/internal/logging"
	"refactor-cloud/internal/logstream"
	"refactor-cloud/internal/metrics"
	"refactor-cloud/internal/middleware"
	"refactor-cloud/internal/provision"
	"refactor-cloud/internal/store"
	"refactor-cloud/internal/workspace"
	"refactor-cloud/pkg/models"
)

func main() {
	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		logging.L().Fatal("JWT_SECRET is required")
	}

	db, err := initDB(cfg)
	if err != nil {
		logging.L().Fatal("database init failed", zap.Error(err))
	}

	driver := docker.NewCLI(cfg.DockerBinary)
	ws := workspace.Layout{Root: cfg.WorkspaceRoot, CredentialsHostPath: cfg.CredentialsPath}
	st := store.New(db)
	prov := provision.New(st, driver, ws, cfg)
	relay := agentrelay.New(st, cfg.AgentPort)

	h := &handlers.Handler{
		Store:  st,
		Prov:   prov,
		Relay:  relay,
		Logs:   logstream.New(driver),
		Files:  files.New(driver, cfg.TreeMaxDepth, cfg.FileContentCap),
		Driver: driver,
		Cfg:    cfg,
	}
	authService := auth.NewService(cfg.JWTSecret)

	router := setupRouter(cfg, h, authService)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.L().Info("server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.L().Error("forced shutdown", zap.Error(err))
	}
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Project{}); err != nil {
		return nil, err
	}
	return db, nil
}

func setupRouter(cfg *config.Config, h *handlers.Handler, authService *auth.Service) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(metrics.PrometheusMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.RateLimit(middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))

	router.GET("/health", h.Health)
	router.GET("/metrics", metrics.PrometheusHandler())

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireAuth(authService))
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects", h.ListProjects)
		v1.GET("/projects/:id", h.GetProject)
		v1.PUT("/projects/:id", h.UpdateProject)
		v1.DELETE("/projects/:id", h.DeleteProject)

		v1.POST("/projects/:id/provision", h.ProvisionProject)
		v1.POST("/projects/:id/reprovision", h.ReprovisionProject)
		v1.POST("/projects/:id/stop", h.StopProject)
		v1.POST("/projects/:id/exec", h.ExecProject)

		v1.GET("/projects/:id/logs/stream", h.StreamContainerLogs)
		v1.GET("/projects/:id/files/tree", h.FileTree)
		v1.GET("/projects/:id/files/content", h.FileContent)

		v1.POST("/projects/:id/agent/run", h.StartAgentRun)
		v1.GET("/projects/:id/agent/runs", h.ListAgentRuns)
		v1.GET("/projects/:id/agent/runs/:run_id", h.GetAgentRun)
		v1.POST("/projects/:id/agent/runs/:run_id/stop", h.StopAgentRun)
		v1.GET("/projects/:id/agent/runs/:run_id/stream", h.StreamAgentRun)
		v1.POST("/projects/:id/agent/reset-session", h.ResetAgentSession)
	}

	return router
}
