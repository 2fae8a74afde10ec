package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agrichat-dispatch/internal/utils"
)

// handleUsageSummary returns aggregate dispatch statistics.
func (ws *WebServer) handleUsageSummary(c *gin.Context) {
	if ws.tracker == nil || !ws.tracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	summary, err := ws.tracker.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to query summary: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":      true,
		"summary":      summary,
		"success_rate": utils.FormatPercentage(summary.SuccessRequests, summary.TotalRequests),
	})
}

// handleUsageEndpoints returns per-endpoint aggregates.
func (ws *WebServer) handleUsageEndpoints(c *gin.Context) {
	if ws.tracker == nil || !ws.tracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	stats, err := ws.tracker.EndpointStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to query endpoint stats: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "endpoints": stats, "total": len(stats)})
}

// handleUsageRecent returns the latest dispatch records.
func (ws *WebServer) handleUsageRecent(c *gin.Context) {
	if ws.tracker == nil || !ws.tracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	records, err := ws.tracker.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to query records: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "records": records, "total": len(records)})
}
