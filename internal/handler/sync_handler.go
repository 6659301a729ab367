package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	"github.com/noah-isme/sma-attendance-sync/pkg/response"
)

type syncService interface {
	Snapshot() models.SyncSnapshot
	Refresh(ctx context.Context, force bool) (models.SyncState, bool)
	RefreshAsync(ctx context.Context, force bool) bool
	Subscribe() (<-chan models.SyncSnapshot, func())
}

// SyncHandler exposes the sync coordinator.
type SyncHandler struct {
	service syncService
	// runs outlive the request that started them
	base context.Context
}

// NewSyncHandler constructs the handler. Background runs are bound to base.
func NewSyncHandler(base context.Context, svc syncService) *SyncHandler {
	return &SyncHandler{service: svc, base: base}
}

// Status godoc
// @Summary Current sync state with unsynced count and last sync time
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/status [get]
func (h *SyncHandler) Status(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.service.Snapshot(), nil)
}

// Refresh godoc
// @Summary Trigger a sync run
// @Description Without wait the run continues in the background and 202 is returned. A refresh while a run is loading is ignored unless force is set.
// @Tags Sync
// @Produce json
// @Param force query bool false "Supersede a running sync"
// @Param wait query bool false "Wait for the terminal state"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Router /sync/refresh [post]
func (h *SyncHandler) Refresh(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	wait, _ := strconv.ParseBool(c.Query("wait"))

	if wait {
		_, ran := h.service.Refresh(c.Request.Context(), force)
		response.JSON(c, http.StatusOK, h.service.Snapshot(), nil, map[string]interface{}{"started": ran})
		return
	}
	started := h.service.RefreshAsync(h.base, force)
	status := http.StatusAccepted
	if !started {
		status = http.StatusOK
	}
	response.JSON(c, status, h.service.Snapshot(), nil, map[string]interface{}{"started": started})
}

// Stream godoc
// @Summary Server-sent stream of sync snapshots
// @Tags Sync
// @Produce text/event-stream
// @Success 200
// @Router /sync/stream [get]
func (h *SyncHandler) Stream(c *gin.Context) {
	updates, unsubscribe := h.service.Subscribe()
	defer unsubscribe()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-store")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("sync", snap)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
