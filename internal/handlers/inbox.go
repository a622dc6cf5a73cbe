package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fiscal-inbox-go/internal/models"
)

// ListDocuments returns a page of ingested documents, optionally by status
func (h *Handlers) ListDocuments(c *gin.Context) {
	status := models.DocumentStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		validationError(c, "status must be one of PENDING, PROCESSED, IGNORED")
		return
	}
	page, limit := pagination(c)

	docs, total, err := h.repos.Documents.List(c.Request.Context(), status, page, limit)
	if err != nil {
		respondError(c, err, "Failed to fetch documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": docs,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// ListPending returns every document awaiting a decision
func (h *Handlers) ListPending(c *gin.Context) {
	docs, err := h.repos.Documents.ListPending(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to fetch pending documents")
		return
	}
	c.JSON(http.StatusOK, docs)
}

// GetDocument returns a single document by ID
func (h *Handlers) GetDocument(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	doc, err := h.repos.Documents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Document not found")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GetStats returns document counts per status
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.repos.Documents.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to count documents")
		return
	}
	h.metrics.PendingDocuments.Set(float64(stats.Pending))
	c.JSON(http.StatusOK, stats)
}

// AcceptDocument turns a pending document into a payable obligation
func (h *Handlers) AcceptDocument(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req models.AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	var dueDate *time.Time
	if req.DueDate != "" {
		d, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			validationError(c, "due_date must be formatted as YYYY-MM-DD")
			return
		}
		dueDate = &d
	}

	obligation, err := h.reconciler.Accept(c.Request.Context(), id, dueDate, req.Description)
	if err != nil {
		respondError(c, err, "Failed to accept document")
		return
	}
	c.JSON(http.StatusCreated, obligation)
}

// IgnoreDocument dismisses a pending document
func (h *Handlers) IgnoreDocument(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req models.IgnoreRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.reconciler.Ignore(c.Request.Context(), id, req.Reason); err != nil {
		respondError(c, err, "Failed to ignore document")
		return
	}

	doc, err := h.repos.Documents.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to reload document")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// ProcessAllPending accepts every pending document with default terms
func (h *Handlers) ProcessAllPending(c *gin.Context) {
	n, err := h.reconciler.ProcessAllPending(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to process pending documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": n})
}
