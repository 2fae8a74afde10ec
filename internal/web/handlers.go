package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agrichat-dispatch/internal/registry"
)

// handleStatus returns a coarse service overview.
func (ws *WebServer) handleStatus(c *gin.Context) {
	snap := ws.observer.Current()
	records := ws.registry.Snapshot()

	healthy := 0
	for _, rec := range records {
		if rec.State == registry.StateHealthy {
			healthy++
		}
	}

	status := "healthy"
	if !snap.Connected() {
		status = "offline"
	} else if healthy == 0 && len(records) > 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"uptime":            time.Since(ws.startTime).String(),
		"connectivity":      snap,
		"healthy_endpoints": healthy,
		"total_endpoints":   len(ws.coordinator.Chain()),
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}

// handleEndpoints returns the registry view of the endpoint chain.
func (ws *WebServer) handleEndpoints(c *gin.Context) {
	now := time.Now()
	chain := ws.coordinator.Chain()

	type endpointView struct {
		Name     string `json:"name"`
		Priority int    `json:"priority"`
		State    string `json:"state"`
		Until    string `json:"until,omitempty"`
	}

	views := make([]endpointView, 0, len(chain))
	byID := make(map[string]registry.Record)
	for _, rec := range ws.registry.Snapshot() {
		byID[rec.ID] = rec
	}

	for i, name := range chain {
		view := endpointView{
			Name:     name,
			Priority: i + 1,
			State:    ws.registry.StateOf(name, now).String(),
		}
		if rec, ok := byID[name]; ok && rec.State == registry.StateRateLimited && rec.Until.After(now) {
			view.Until = rec.Until.Format(time.RFC3339)
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"endpoints": views, "total": len(views)})
}

// handleConnectivity returns the current snapshot plus recent history.
func (ws *WebServer) handleConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current": ws.observer.Current(),
		"history": ws.observer.History(),
	})
}

// handleActiveRetries lists in-flight retry sequences.
func (ws *WebServer) handleActiveRetries(c *gin.Context) {
	views := ws.orchestrator.Active()
	c.JSON(http.StatusOK, gin.H{"active": views, "total": len(views)})
}

// handleCancelRetry cancels one in-flight retry sequence by id.
func (ws *WebServer) handleCancelRetry(c *gin.Context) {
	id := c.Param("id")
	if ws.orchestrator.Cancel(id) {
		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("operation %s cancelled", id)})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("operation %s not found", id)})
}

// handleResetEndpoint clears the sticky state of one endpoint.
func (ws *WebServer) handleResetEndpoint(c *gin.Context) {
	name := c.Param("name")

	found := false
	for _, id := range ws.coordinator.Chain() {
		if id == name {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("endpoint %s not found", name)})
		return
	}

	ws.registry.Reset(name)
	ws.logger.Info(fmt.Sprintf("🔧 [观测接口] 端点状态已手动重置: %s", name))
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("endpoint %s reset", name)})
}

// handleResetAll clears all endpoint health state.
func (ws *WebServer) handleResetAll(c *gin.Context) {
	ws.registry.ResetAll()
	ws.logger.Info("🔧 [观测接口] 全部端点状态已手动重置")
	c.JSON(http.StatusOK, gin.H{"message": "all endpoints reset"})
}

// handleEvents returns the most recent events, newest first.
func (ws *WebServer) handleEvents(c *gin.Context) {
	events := ws.eventLog.Recent()
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// handleEventStats returns event bus counters.
func (ws *WebServer) handleEventStats(c *gin.Context) {
	if ws.eventBus == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, ws.eventBus.GetStats())
}
