package server

import (
	"errors"
	"log/slog"
	"net/http"

	"task-tracker/backend/internal/config"
	"task-tracker/backend/internal/handlers"
	"task-tracker/backend/internal/middleware"
	"task-tracker/backend/internal/monitoring"
	"task-tracker/backend/internal/notifier"
	"task-tracker/backend/internal/services"
	"task-tracker/backend/internal/web"

	"github.com/gin-gonic/gin"
)

type Dependencies struct {
	TaskService    services.TaskService
	Notifier       notifier.Notifier
	Logger         *slog.Logger
	Metrics        *monitoring.Metrics
	Health         *monitoring.HealthChecker
	MetricsExtras  map[string]monitoring.StatsFunc
	AllowedOrigins []string
	PageSize       int
}

func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.TaskService == nil || deps.Notifier == nil {
		return nil, errors.New("task service and notifier are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics(nil)
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthChecker(0, nil)
	}

	tmpl, err := web.Templates()
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.SetHTMLTemplate(tmpl)
	router.Use(
		middleware.RequestLogger(deps.Logger),
		middleware.RecoveryWithLog(deps.Logger),
		deps.Metrics.Middleware(),
		middleware.CORS(deps.AllowedOrigins),
	)

	router.GET("/health", deps.Health.HealthHandler())
	router.GET("/health/ready", deps.Health.ReadinessHandler())
	router.GET("/health/live", deps.Health.LivenessHandler())
	router.GET("/metrics", deps.Metrics.Handler(deps.MetricsExtras))

	api := handlers.NewTaskHandler(deps.TaskService, deps.Notifier, deps.Logger)
	router.Any("/tasks/", api.Dispatch)
	router.Any("/tasks/:id/", api.Dispatch)

	browser := handlers.NewBrowserHandler(deps.TaskService, deps.Notifier, deps.Logger, deps.PageSize)
	router.GET(handlers.TaskListPath, browser.List)
	router.POST("/task_create/", browser.Create)
	router.POST("/task_delete/:id", browser.Delete)
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, handlers.TaskListPath)
	})

	return router, nil
}

func New(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
