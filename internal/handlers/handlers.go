package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/facematch/internal/auth"
	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/models"
	"github.com/example/facematch/internal/session"
	"github.com/example/facematch/internal/usecase"
	"github.com/example/facematch/internal/verification"
)

// MaxUploadSize is the largest accepted image file.
const MaxUploadSize = imageio.MaxUploadSize

// multipartOverhead leaves room for boundaries and headers around the file.
const multipartOverhead = 1 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.VerificationUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)

	v1.POST("/sessions", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		c.JSON(http.StatusCreated, uc.CreateSession(c.Request.Context(), userID))
	})

	v1.GET("/sessions/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		view, err := uc.GetSession(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	v1.DELETE("/sessions/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := uc.DeleteSession(c.Request.Context(), userID, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	v1.PUT("/sessions/:id/images/:slot", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		slot, err := detection.ParseSlot(c.Param("slot"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload limit"})
			return
		}

		contentType := file.Header.Get("Content-Type")
		if !supportedContentType(file.Filename, contentType) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		view, err := uc.UploadImage(c.Request.Context(), userID, c.Param("id"), slot, file.Filename, contentType, data)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	v1.POST("/sessions/:id/verify", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		var req usecase.VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		result, err := uc.Verify(c.Request.Context(), userID, c.Param("id"), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	v1.GET("/sessions/:id/images/:slot/preview", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		slot, err := detection.ParseSlot(c.Param("slot"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		png, err := uc.Preview(c.Request.Context(), userID, c.Param("id"), slot)
		if err != nil {
			var missing *session.MissingImageError
			if errors.As(err, &missing) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	v1.GET("/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.ModelStatus())
	})

	v1.POST("/models/reload", func(c *gin.Context) {
		status, err := uc.ReloadModels(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "models": status})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	v1.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

// supportedContentType accepts image/* uploads, plus octet-stream for HEIC
// files that browsers fail to label.
func supportedContentType(filename, contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mediaType, "image/") {
		return true
	}
	return mediaType == "application/octet-stream" && imageio.IsHEIC(filename, "")
}

// writeError maps use case errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		noFace    *detection.NoFaceError
		decodeErr *imageio.DecodeError
		missing   *session.MissingImageError
	)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &noFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "slot": noFace.Slot, "status": "danger"})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &missing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "slot": missing.Slot})
	case errors.Is(err, session.ErrVerifyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, verification.ErrInvalidThreshold):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrModelLoad):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "face models are not loaded"})
	case errors.Is(err, verification.ErrDimensionMismatch):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "status": "danger"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": session.ErrUnexpected.Error(), "status": "danger"})
	}
}
