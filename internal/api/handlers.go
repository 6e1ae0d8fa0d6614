package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cachamber/harmonia/internal/download/repository"
	"github.com/cachamber/harmonia/internal/download/service"
	"github.com/cachamber/harmonia/internal/metrics"
	"github.com/cachamber/harmonia/internal/progress"
	"github.com/cachamber/harmonia/internal/source"
)

// userIDKey is the gin context key the auth middleware stores the
// caller's identity under.
const userIDKey = "userID"

// Handler holds dependencies for the HTTP surface.
type Handler struct {
	svc *service.AcquisitionService
	hub *progress.Hub
}

// NewHandler creates the API handler.
func NewHandler(svc *service.AcquisitionService, hub *progress.Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// UserAuth extracts the authenticated user from the X-User-ID header.
// Real authentication is the surrounding application's concern; this
// middleware only defines the boundary.
func UserAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "user identity required"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// Observe counts requests per method, route and status.
func Observe(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// CreateBatch handles POST /api/v1/batches.
func (h *Handler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if len(req.Targets) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "at least one target is required"})
		return
	}

	targets := make([]source.Target, len(req.Targets))
	for i, p := range req.Targets {
		targets[i] = toTarget(p)
	}

	weekStart := time.Now()
	if req.WeekStart != nil {
		weekStart = *req.WeekStart
	}

	batch, jobs, err := h.svc.OpenBatch(c.Request.Context(), currentUser(c), weekStart, targets)
	if err != nil {
		log.Printf("api: failed to open batch: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to open batch"})
		return
	}

	c.JSON(http.StatusCreated, toBatchResponse(batch, jobs))
}

// GetBatch handles GET /api/v1/batches/:id, the pull query clients use
// to seed or reconcile state around the push stream.
func (h *Handler) GetBatch(c *gin.Context) {
	batch, err := h.svc.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err, "batch not found")
		return
	}
	if batch.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "batch not found"})
		return
	}

	jobs, err := h.svc.JobsOfBatch(c.Request.Context(), batch.ID)
	if err != nil {
		log.Printf("api: failed to list batch jobs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list batch jobs"})
		return
	}

	c.JSON(http.StatusOK, toBatchResponse(batch, jobs))
}

// CancelBatch handles POST /api/v1/batches/:id/cancel.
func (h *Handler) CancelBatch(c *gin.Context) {
	batch, err := h.svc.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err, "batch not found")
		return
	}
	if batch.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "batch not found"})
		return
	}

	cancelled, err := h.svc.CancelBatch(c.Request.Context(), batch.ID)
	if err != nil {
		log.Printf("api: failed to cancel batch %s: %v", batch.ID, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to cancel batch"})
		return
	}

	c.JSON(http.StatusOK, toBatchResponse(cancelled, nil))
}

// GetUnavailable handles GET /api/v1/batches/:id/unavailable.
func (h *Handler) GetUnavailable(c *gin.Context) {
	batch, err := h.svc.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err, "batch not found")
		return
	}
	if batch.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "batch not found"})
		return
	}

	albums, err := h.svc.Unavailable(c.Request.Context(), batch.ID)
	if err != nil {
		log.Printf("api: failed to list unavailable albums: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list unavailable albums"})
		return
	}

	c.JSON(http.StatusOK, toUnavailableResponse(albums))
}

// CreateDownload handles POST /api/v1/downloads: an ad-hoc single
// download outside any batch. A dedup hit returns the existing active
// job with 200 rather than an error.
func (h *Handler) CreateDownload(c *gin.Context) {
	var req CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	job, created, err := h.svc.Request(c.Request.Context(), currentUser(c), toTarget(req.Target))
	if err != nil {
		log.Printf("api: failed to queue download: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to queue download"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, toJobResponse(job))
}

// ListDownloads handles GET /api/v1/downloads: the caller's pending
// and downloading jobs across all batches.
func (h *Handler) ListDownloads(c *gin.Context) {
	jobs, err := h.svc.ActiveDownloads(c.Request.Context(), currentUser(c))
	if err != nil {
		log.Printf("api: failed to list active downloads: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list downloads"})
		return
	}

	c.JSON(http.StatusOK, toDownloadListResponse(jobs))
}

// GetDownload handles GET /api/v1/downloads/:id.
func (h *Handler) GetDownload(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err, "job not found")
		return
	}
	if job.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "job not found"})
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job))
}

// Stream handles GET /api/v1/ws: the per-user progress stream.
func (h *Handler) Stream(c *gin.Context) {
	upgrader := progress.Upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}

	client := progress.NewClient(h.hub, conn, currentUser(c))
	h.hub.RegisterClient(client)
	client.StartPumps()
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) respondLookupError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: notFoundMsg})
		return
	}
	log.Printf("api: lookup failed: %v", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "lookup failed"})
}
