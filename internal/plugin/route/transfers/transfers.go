// Package transfers exposes conversation/assistant export, import, and
// duplication over HTTP.
package transfers

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/runtime"
	"github.com/chirino/workbench-service/internal/security"
	"github.com/chirino/workbench-service/internal/transfer"
)

// MountRoutes mounts the transfer routes.
func MountRoutes(r *gin.Engine, svc *transfer.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/assistants/:assistantId/export", func(c *gin.Context) {
		exportAssistant(c, svc)
	})
	g.POST("/conversations/export", func(c *gin.Context) {
		exportConversations(c, svc)
	})
	g.POST("/conversations/import", func(c *gin.Context) {
		importConversations(c, svc)
	})
	g.POST("/conversations/:conversationId/duplicate", func(c *gin.Context) {
		duplicateConversation(c, svc)
	})
}

func exportAssistant(c *gin.Context, svc *transfer.Service) {
	userID := security.GetUserID(c)
	assistantID, err := uuid.Parse(c.Param("assistantId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assistant not found"})
		return
	}

	result, err := svc.ExportAssistant(c.Request.Context(), userID, assistantID)
	if err != nil {
		handleError(c, err)
		return
	}
	serveArchive(c, result)
}

func exportConversations(c *gin.Context, svc *transfer.Service) {
	userID := security.GetUserID(c)
	var req struct {
		ConversationIds []uuid.UUID `json:"conversationIds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}

	result, err := svc.ExportConversations(c.Request.Context(), userID, req.ConversationIds)
	if err != nil {
		handleError(c, err)
		return
	}
	serveArchive(c, result)
}

// serveArchive streams the archive and always releases it, even when the
// client disconnects mid-download.
func serveArchive(c *gin.Context, result *transfer.ExportResult) {
	defer result.Cleanup()
	c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	c.File(result.FilePath)
}

func importConversations(c *gin.Context, svc *transfer.Service) {
	userID := security.GetUserID(c)

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": "multipart field 'file' is required"})
		return
	}
	archive, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	defer archive.Close()

	result, err := svc.ImportConversations(c.Request.Context(), userID, archive)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func duplicateConversation(c *gin.Context, svc *transfer.Service) {
	userID := security.GetUserID(c)
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	var req transfer.NewConversation
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
			return
		}
	}

	result, err := svc.DuplicateConversation(c.Request.Context(), userID, conversationID, req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var invalid *registrystore.InvalidArgumentError
	var conflict *registrystore.ConflictError
	var malformed *transfer.MalformedSnapshotError
	var unsupported *transfer.UnsupportedSnapshotError
	var runtimeErr *runtime.Error

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &malformed), errors.As(err, &unsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "invalid_archive", "error": err.Error()})
	case errors.As(err, &runtimeErr):
		c.JSON(http.StatusBadGateway, gin.H{"code": "assistant_service_error", "error": err.Error()})
	default:
		log.Error("Transfer operation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
