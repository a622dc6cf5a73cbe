package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fiscal-inbox-go/internal/ingest"
	"fiscal-inbox-go/internal/metrics"
	"fiscal-inbox-go/internal/models"
	"fiscal-inbox-go/internal/reconcile"
	"fiscal-inbox-go/internal/repository"
	"fiscal-inbox-go/internal/scheduler"
	"fiscal-inbox-go/internal/sefaz"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	repos      *repository.Repositories
	reconciler *reconcile.Service
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, repos *repository.Repositories, rec *reconcile.Service, s *scheduler.Scheduler, m *metrics.Metrics, g prometheus.Gatherer) *Handlers {
	return &Handlers{db: db, repos: repos, reconciler: rec, scheduler: s, metrics: m, gatherer: g}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		// Integration config
		api.GET("/config", h.GetConfig)
		api.PUT("/config", h.SaveConfig)
		api.PATCH("/config/enable", h.EnableIntegration)
		api.PATCH("/config/disable", h.DisableIntegration)

		// On-demand ingestion
		api.POST("/sync", h.Sync)

		// Document inbox
		api.GET("/inbox", h.ListDocuments)
		api.GET("/inbox/pending", h.ListPending)
		api.GET("/inbox/stats", h.GetStats)
		api.POST("/inbox/process-all", h.ProcessAllPending)
		api.GET("/inbox/:id", h.GetDocument)
		api.POST("/inbox/:id/accept", h.AcceptDocument)
		api.POST("/inbox/:id/ignore", h.IgnoreDocument)

		// History
		api.GET("/obligations", h.ListObligations)
		api.GET("/obligations/export", h.ExportObligations)
		api.GET("/runs", h.ListRuns)

		// Scheduler control
		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_id", Message: "Invalid document ID", Code: http.StatusBadRequest})
		return 0, false
	}
	return uint(id), true
}

func pagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func validationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// respondError maps domain errors to HTTP responses
func respondError(c *gin.Context, err error, message string) {
	var status int
	var code string
	switch {
	case errors.Is(err, models.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ingest.ErrCycleInProgress):
		status, code = http.StatusConflict, "cycle_in_progress"
	case errors.Is(err, sefaz.ErrAuthenticationFailed):
		status, code = http.StatusBadGateway, "authentication_failed"
	case errors.Is(err, sefaz.ErrRemoteUnavailable):
		status, code = http.StatusBadGateway, "remote_unavailable"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
		logrus.WithError(err).Error(message)
	}

	c.JSON(status, models.ErrorResponse{
		Error:   code,
		Message: message + ": " + err.Error(),
		Code:    status,
	})
}
