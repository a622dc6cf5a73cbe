package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/models"
)

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := models.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	if err := h.db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
		response.Metrics["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		response.Metrics["last_run"] = h.scheduler.GetLastRun().Format(time.RFC3339)
	} else {
		response.Metrics["scheduler"] = "stopped"
	}

	if report, err := h.scheduler.LastReport(); report != nil {
		response.Metrics["last_cycle"] = report.CycleID
		response.Metrics["last_cycle_imported"] = strconv.Itoa(report.Imported)
		response.Metrics["cursor"] = report.CursorAfter
		if err != nil {
			response.Metrics["last_cycle_error"] = err.Error()
		}
	}

	if response.Database == "ok" {
		if stats, err := h.repos.Documents.CountByStatus(c.Request.Context()); err == nil {
			response.Metrics["pending_documents"] = strconv.FormatInt(stats.Pending, 10)
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
