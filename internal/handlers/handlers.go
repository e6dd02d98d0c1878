package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/tryon/internal/auth"
	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/overlay"
	"github.com/example/tryon/internal/session"
	"github.com/example/tryon/internal/usecase"
)

// DefaultSnapshotQuality is the JPEG quality used when none is requested.
const DefaultSnapshotQuality = 80

// TryOnService is the use case surface the HTTP layer drives.
type TryOnService interface {
	StartSession(ctx context.Context, ownerID string) (string, error)
	StopSession(ctx context.Context, ownerID, sessionID string) error
	GetStatus(ctx context.Context, ownerID, sessionID string) (*usecase.SessionStatus, error)
	GetPose(ctx context.Context, ownerID, sessionID string) (*overlay.Pose, error)
	ResizeDisplay(ownerID, sessionID string, width, height int) error
	WriteSnapshot(ownerID, sessionID string, out io.Writer, quality int) error
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. A nil limiter
// disables rate limiting of session starts.
func RegisterRoutes(router *gin.Engine, svc TryOnService, authMiddleware gin.HandlerFunc, limiter *RateLimiter) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(authMiddleware)

	startHandlers := []gin.HandlerFunc{}
	if limiter != nil {
		startHandlers = append(startHandlers, limiter.Middleware())
	}
	startHandlers = append(startHandlers, func(c *gin.Context) {
		ownerID, ok := ownerFrom(c)
		if !ok {
			return
		}
		sessionID, err := svc.StartSession(c.Request.Context(), ownerID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
	})
	protected.POST("/sessions", startHandlers...)

	protected.DELETE("/sessions/:id", func(c *gin.Context) {
		ownerID, ok := ownerFrom(c)
		if !ok {
			return
		}
		if err := svc.StopSession(c.Request.Context(), ownerID, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	protected.GET("/sessions/:id", func(c *gin.Context) {
		ownerID, ok := ownerFrom(c)
		if !ok {
			return
		}
		status, err := svc.GetStatus(c.Request.Context(), ownerID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	protected.GET("/sessions/:id/pose", func(c *gin.Context) {
		ownerID, ok := ownerFrom(c)
		if !ok {
			return
		}
		pose, err := svc.GetPose(c.Request.Context(), ownerID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, pose)
	})

	protected.PUT("/sessions/:id/display", func(c *gin.Context) {
		ownerID, ok := ownerFrom(c)
		if !ok {
			return
		}
		var req displayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "width and height are required"})
			return
		}
		if err := svc.ResizeDisplay(ownerID, c.Param("id"), req.Width, req.Height); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	protected.GET("/sessions/:id/snapshot", func(c *gin.Context) {
		ownerID, ok := ownerFrom(c)
		if !ok {
			return
		}
		quality := DefaultSnapshotQuality
		if raw := c.Query("quality"); raw != "" {
			q, err := strconv.Atoi(raw)
			if err != nil || q < 1 || q > 100 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "quality must be between 1 and 100"})
				return
			}
			quality = q
		}
		var buf bytes.Buffer
		if err := svc.WriteSnapshot(ownerID, c.Param("id"), &buf, quality); err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

type displayRequest struct {
	Width  int `json:"width" binding:"required"`
	Height int `json:"height" binding:"required"`
}

func ownerFrom(c *gin.Context) (string, bool) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing subject"})
		return "", false
	}
	return ownerID, true
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrCameraDenied):
		return http.StatusForbidden
	case errors.Is(err, camera.ErrCameraUnavailable), errors.Is(err, camera.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrStartAborted), errors.Is(err, usecase.ErrTooManySessions):
		return http.StatusConflict
	case errors.Is(err, usecase.ErrSessionNotFound), errors.Is(err, usecase.ErrPoseUnavailable):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrInvalidDisplay):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
