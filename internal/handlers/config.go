package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/models"
)

// GetConfig returns the integration config without its certificate secret
func (h *Handlers) GetConfig(c *gin.Context) {
	cfg, err := h.repos.Configs.Load(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to load integration config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SaveConfig creates or replaces the integration config. The feed cursor of
// an existing config is kept.
func (h *Handlers) SaveConfig(c *gin.Context) {
	var req models.IntegrationConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	cfg, err := h.repos.Configs.Save(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "Failed to save integration config")
		return
	}

	logrus.WithFields(logrus.Fields{
		"issuer_tax_id": cfg.IssuerTaxID,
		"environment":   cfg.Environment,
		"region":        cfg.Region,
		"enabled":       cfg.Enabled,
	}).Info("Integration config saved")
	c.JSON(http.StatusOK, cfg)
}

// EnableIntegration enables scheduled ingestion
func (h *Handlers) EnableIntegration(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableIntegration disables scheduled ingestion
func (h *Handlers) DisableIntegration(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handlers) setEnabled(c *gin.Context, enabled bool) {
	cfg, err := h.repos.Configs.SetEnabled(c.Request.Context(), enabled)
	if err != nil {
		respondError(c, err, "Failed to update integration config")
		return
	}
	logrus.WithField("enabled", enabled).Info("Integration toggled")
	c.JSON(http.StatusOK, cfg)
}
