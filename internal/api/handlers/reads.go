package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/civiq/fieldsync/internal/cache"
	"github.com/civiq/fieldsync/internal/remote"
)

// ReadHandler serves UI read data cache-first so the UI never blocks on
// backend latency. Responses carry expired-but-usable data when the
// backend is slow or unreachable.
type ReadHandler struct {
	cache  *cache.Cache
	client *remote.Client
}

func NewReadHandler(c *cache.Cache, client *remote.Client) *ReadHandler {
	return &ReadHandler{cache: c, client: client}
}

const (
	categoriesTTL = 1 * time.Hour
	nearbyTTL     = 2 * time.Minute
)

func (h *ReadHandler) GetCategories(c *gin.Context) {
	h.serveCached(c, "categories", "/api/categories", categoriesTTL)
}

func (h *ReadHandler) GetNearbyReports(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("latitude"), 64)
	lon, lonErr := strconv.ParseFloat(c.Query("longitude"), 64)
	if latErr != nil || lonErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude are required"})
		return
	}

	radius := 1000
	if v := c.Query("radius"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			radius = parsed
		}
	}

	// Coarse key granularity keeps nearby queries from fragmenting the
	// cache while a user walks around.
	key := fmt.Sprintf("reports:nearby:%.3f:%.3f:%d", lat, lon, radius)
	path := fmt.Sprintf("/api/reports/nearby?latitude=%f&longitude=%f&radius=%d", lat, lon, radius)
	h.serveCached(c, key, path, nearbyTTL)
}

func (h *ReadHandler) serveCached(c *gin.Context, key, path string, ttl time.Duration) {
	forceRefresh, _ := strconv.ParseBool(c.Query("refresh"))

	data, err := cache.Get(c.Request.Context(), h.cache, key,
		func(ctx context.Context) (json.RawMessage, error) {
			return h.client.GetJSON(ctx, path)
		},
		cache.Options{
			TTL:                  ttl,
			ForceRefresh:         forceRefresh,
			StaleWhileRevalidate: true,
		})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend unavailable and no cached data"})
		return
	}

	c.Data(http.StatusOK, "application/json", data)
}

func (h *ReadHandler) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.GetStats())
}

func (h *ReadHandler) InvalidateCache(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		if err := h.cache.ClearAll(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear cache"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "cache cleared"})
		return
	}

	count, err := h.cache.InvalidatePattern(c.Request.Context(), pattern)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to invalidate cache"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": count})
}

func (h *ReadHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/categories", h.GetCategories)
	r.GET("/reports/nearby", h.GetNearbyReports)
	r.GET("/cache/stats", h.GetCacheStats)
	r.POST("/cache/invalidate", h.InvalidateCache)
}
