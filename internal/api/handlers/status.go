package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/civiq/fieldsync/internal/health"
	"github.com/civiq/fieldsync/internal/netmon"
)

// StatusHandler exposes the connectivity and backend-health snapshot
// the UI uses for its online/offline indicator.
type StatusHandler struct {
	monitor *netmon.Monitor
	checker *health.Checker
}

func NewStatusHandler(monitor *netmon.Monitor, checker *health.Checker) *StatusHandler {
	return &StatusHandler{monitor: monitor, checker: checker}
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	skipCache, _ := strconv.ParseBool(c.Query("probe"))

	connectivity := h.monitor.Status()
	backend := h.checker.CheckHealth(c.Request.Context(), skipCache)

	c.JSON(http.StatusOK, gin.H{
		"connectivity": connectivity,
		"backend":      backend,
	})
}

func (h *StatusHandler) RefreshConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Refresh())
}

func (h *StatusHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.GetStatus)
	r.POST("/status/refresh", h.RefreshConnectivity)
}
