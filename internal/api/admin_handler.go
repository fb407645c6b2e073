package api

import (
	"net/http"
	"strconv"

	"github.com/yschiang/retry-herd-prevention/internal/service"

	"github.com/gin-gonic/gin"
)

// AdminHandler exposes the running engine's control and inspection surface.
type AdminHandler struct {
	engine *service.Engine
}

func NewAdminHandler(engine *service.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

func (h *AdminHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStats returns the observability snapshot.
func (h *AdminHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot(c.Request.Context()))
}

// ListDeadLetters returns up to ?limit dead-lettered items (default 50).
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	items, err := h.engine.Store().ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// ReplayDeadLetters moves up to ?limit dead-lettered items back to pending.
func (h *AdminHandler) ReplayDeadLetters(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	moved, err := h.engine.Store().ReplayDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayed": moved})
}

type rateOverrideReq struct {
	Rate int `json:"rate" binding:"required"`
}

// OverrideRate forces the controller rate, clamped to its configured range.
func (h *AdminHandler) OverrideRate(c *gin.Context) {
	var req rateOverrideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	effective := h.engine.Controller().ForceRate(req.Rate)
	c.JSON(http.StatusOK, gin.H{"requested": req.Rate, "effective": effective})
}
