package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fiscal-inbox-go/internal/export"
	"fiscal-inbox-go/internal/models"
)

// ListObligations returns a page of payable obligations
func (h *Handlers) ListObligations(c *gin.Context) {
	page, limit := pagination(c)
	obligations, total, err := h.repos.Obligations.List(c.Request.Context(), page, limit)
	if err != nil {
		respondError(c, err, "Failed to fetch payable obligations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": obligations, "total": total, "page": page, "limit": limit})
}

// ListRuns returns a page of the ingestion cycle history
func (h *Handlers) ListRuns(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.SyncRunSuccess, models.SyncRunFailure, models.SyncRunSkipped:
	default:
		validationError(c, "status must be one of success, failure, skipped")
		return
	}

	page, limit := pagination(c)
	runs, total, err := h.repos.Runs.List(c.Request.Context(), status, page, limit)
	if err != nil {
		respondError(c, err, "Failed to fetch sync runs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": runs, "total": total, "page": page, "limit": limit})
}

// ExportObligations downloads obligations as an xlsx workbook, optionally
// limited to a due date window given as from/to (YYYY-MM-DD, to exclusive)
func (h *Handlers) ExportObligations(c *gin.Context) {
	var from, to time.Time
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			validationError(c, p.name+" must be formatted as YYYY-MM-DD")
			return
		}
		*p.dst = t
	}

	obligations, err := h.repos.Obligations.DueBetween(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err, "Failed to fetch payable obligations")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteObligations(&buf, obligations); err != nil {
		respondError(c, err, "Failed to build spreadsheet")
		return
	}
	c.Header("Content-Disposition", "attachment; filename=obligations.xlsx")
	c.Data(http.StatusOK, export.ContentType, buf.Bytes())
}
