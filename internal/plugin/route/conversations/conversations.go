// Package conversations implements conversation CRUD, messages, file
// versions, and participants.
package conversations

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/config"
	"github.com/chirino/workbench-service/internal/model"
	registryfiles "github.com/chirino/workbench-service/internal/registry/files"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/security"
)

// MountRoutes mounts conversation routes.
func MountRoutes(r *gin.Engine, store registrystore.WorkbenchStore, files registryfiles.FileStorage, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/conversations", func(c *gin.Context) {
		createConversation(c, store)
	})
	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, store)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, store)
	})

	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		appendMessage(c, store)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, store)
	})
	g.GET("/conversations/:conversationId/messages/:messageId/debug", func(c *gin.Context) {
		getMessageDebug(c, store)
	})

	g.PUT("/conversations/:conversationId/files/:filename", func(c *gin.Context) {
		uploadFile(c, store, files, cfg)
	})
	g.GET("/conversations/:conversationId/files/:filename", func(c *gin.Context) {
		downloadFile(c, store, files)
	})

	g.GET("/conversations/:conversationId/participants", func(c *gin.Context) {
		listParticipants(c, store)
	})
	g.PUT("/conversations/:conversationId/participants/users/:userId", func(c *gin.Context) {
		addUserParticipant(c, store)
	})
}

func createConversation(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	var req struct {
		Title    string                 `json:"title" binding:"required"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}

	conv, err := store.CreateConversation(c.Request.Context(), model.Conversation{
		OwnerUserID: userID,
		Title:       req.Title,
		Metadata:    req.Metadata,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	// The creator joins their own conversation.
	err = store.AddOrReactivateUserParticipant(c.Request.Context(), model.UserParticipant{
		ConversationID:         conv.ID,
		UserID:                 userID,
		Name:                   security.GetUserName(c),
		ConversationPermission: model.PermissionReadWrite,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func listConversations(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	conversations, err := store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conversations})
}

func getConversation(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	conv, err := store.GetConversation(c.Request.Context(), userID, conversationID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func appendMessage(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	var req struct {
		ID          *uuid.UUID             `json:"id,omitempty"`
		Content     string                 `json:"content" binding:"required"`
		ContentType string                 `json:"contentType"`
		MessageType string                 `json:"messageType"`
		SenderID    string                 `json:"senderId"`
		SenderRole  string                 `json:"senderRole"`
		Metadata    map[string]interface{} `json:"metadata,omitempty"`
		Debug       map[string]interface{} `json:"debug,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}

	msg := registrystore.NewMessage{
		SenderID:    req.SenderID,
		SenderRole:  req.SenderRole,
		MessageType: req.MessageType,
		ContentType: req.ContentType,
		Content:     req.Content,
		Metadata:    req.Metadata,
		Debug:       req.Debug,
	}
	if req.ID != nil {
		msg.ID = *req.ID
	}
	if msg.SenderID == "" {
		msg.SenderID = userID
		msg.SenderRole = "user"
	}

	created, err := store.AppendMessage(c.Request.Context(), userID, conversationID, msg)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func listMessages(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	afterSequence := queryInt64(c, "afterSequence", 0)
	limit := queryInt(c, "limit", 100)

	msgs, err := store.ListMessages(c.Request.Context(), userID, conversationID, afterSequence, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

func getMessageDebug(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	debug, err := store.GetMessageDebug(c.Request.Context(), userID, conversationID, messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, debug)
}

func uploadFile(c *gin.Context, store registrystore.WorkbenchStore, files registryfiles.FileStorage, cfg *config.Config) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	filename := c.Param("filename")

	if _, err := store.GetConversation(ctx, userID, conversationID); err != nil {
		handleError(c, err)
		return
	}

	// The blob lands under a fresh storage name first; the row insert then
	// decides the version number. Orphaned blobs from failed inserts are
	// unreachable and harmless.
	storageFilename := uuid.New().String()
	limited := io.LimitReader(c.Request.Body, cfg.FileMaxSize+1)
	size, err := files.Write(ctx, conversationID.String(), storageFilename, limited)
	if err != nil {
		handleError(c, err)
		return
	}
	if size > cfg.FileMaxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file exceeds maximum size of %d bytes", cfg.FileMaxSize)})
		return
	}

	file, version, err := store.CreateFileVersion(ctx, userID, conversationID, registrystore.NewFileVersion{
		Filename:    filename,
		ContentType: c.ContentType(),
		FileSize:    size,
	}, storageFilename)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"file": file, "version": version})
}

func downloadFile(c *gin.Context, store registrystore.WorkbenchStore, files registryfiles.FileStorage) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	filename := c.Param("filename")
	versionNumber := queryInt(c, "version", 0)

	_, version, err := store.GetFileVersion(ctx, userID, conversationID, filename, versionNumber)
	if err != nil {
		handleError(c, err)
		return
	}
	blob, err := files.Open(ctx, conversationID.String(), version.StorageFilename)
	if err != nil {
		handleError(c, err)
		return
	}
	defer blob.Close()

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.DataFromReader(http.StatusOK, version.FileSize, version.ContentType, blob, nil)
}

func listParticipants(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if _, err := store.GetConversation(ctx, userID, conversationID); err != nil {
		handleError(c, err)
		return
	}
	assistants, err := store.ListAssistantParticipants(ctx, conversationID)
	if err != nil {
		handleError(c, err)
		return
	}
	users, err := store.ListUserParticipants(ctx, conversationID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assistants": assistants, "users": users})
}

func addUserParticipant(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	targetUserID := c.Param("userId")
	var req struct {
		Name                   string  `json:"name"`
		ConversationPermission *string `json:"conversationPermission,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
			return
		}
	}
	if req.Name == "" {
		req.Name = targetUserID
	}

	if _, err := store.GetConversation(ctx, userID, conversationID); err != nil {
		handleError(c, err)
		return
	}
	p := model.UserParticipant{
		ConversationID: conversationID,
		UserID:         targetUserID,
		Name:           req.Name,
	}
	if req.ConversationPermission != nil {
		p.ConversationPermission = model.ConversationPermission(*req.ConversationPermission)
	}
	if err := store.AddOrReactivateUserParticipant(ctx, p); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var invalid *registrystore.InvalidArgumentError
	var conflict *registrystore.ConflictError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("Conversation operation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func queryInt64(c *gin.Context, key string, def int64) int64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	return def
}
