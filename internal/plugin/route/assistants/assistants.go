// Package assistants implements the assistant lifecycle API. Creating and
// deleting assistants, and connecting them to conversations, is acknowledged
// by the assistant's service before the change is treated as durable.
package assistants

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/runtime"
	"github.com/chirino/workbench-service/internal/security"
)

// MountRoutes mounts assistant and service-registration routes.
func MountRoutes(r *gin.Engine, store registrystore.WorkbenchStore, pool *runtime.ClientPool, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.PUT("/assistant-service-registrations/:assistantServiceId", func(c *gin.Context) {
		upsertRegistration(c, store)
	})
	g.GET("/assistant-service-registrations", func(c *gin.Context) {
		listRegistrations(c, store)
	})

	g.POST("/assistants", func(c *gin.Context) {
		createAssistant(c, store, pool)
	})
	g.GET("/assistants", func(c *gin.Context) {
		listAssistants(c, store)
	})
	g.GET("/assistants/:assistantId", func(c *gin.Context) {
		getAssistant(c, store)
	})
	g.DELETE("/assistants/:assistantId", func(c *gin.Context) {
		deleteAssistant(c, store, pool)
	})
	g.PUT("/assistants/:assistantId/conversations/:conversationId", func(c *gin.Context) {
		connectConversation(c, store, pool)
	})
	g.DELETE("/assistants/:assistantId/conversations/:conversationId", func(c *gin.Context) {
		disconnectConversation(c, store, pool)
	})
}

func upsertRegistration(c *gin.Context, store registrystore.WorkbenchStore) {
	var req struct {
		Name   string `json:"name" binding:"required"`
		APIURL string `json:"apiUrl" binding:"required"`
		Online bool   `json:"online"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	reg, err := store.UpsertAssistantServiceRegistration(c.Request.Context(), model.AssistantServiceRegistration{
		AssistantServiceID: c.Param("assistantServiceId"),
		Name:               req.Name,
		APIURL:             req.APIURL,
		Online:             req.Online,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func listRegistrations(c *gin.Context, store registrystore.WorkbenchStore) {
	regs, err := store.ListAssistantServiceRegistrations(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": regs})
}

func createAssistant(c *gin.Context, store registrystore.WorkbenchStore, pool *runtime.ClientPool) {
	userID := security.GetUserID(c)
	var req struct {
		Name               string                 `json:"name" binding:"required"`
		AssistantServiceID string                 `json:"assistantServiceId" binding:"required"`
		TemplateID         string                 `json:"templateId"`
		Image              *string                `json:"image,omitempty"`
		Metadata           map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	if req.TemplateID == "" {
		req.TemplateID = "default"
	}

	// The registration must exist before any row is written.
	reg, err := store.GetAssistantServiceRegistration(c.Request.Context(), req.AssistantServiceID)
	if err != nil {
		handleError(c, err)
		return
	}

	assistant, err := store.CreateAssistant(c.Request.Context(), model.Assistant{
		OwnerUserID:        userID,
		Name:               req.Name,
		Image:              req.Image,
		Metadata:           req.Metadata,
		AssistantServiceID: req.AssistantServiceID,
		TemplateID:         req.TemplateID,
	})
	if err != nil {
		handleError(c, err)
		return
	}

	// The assistant only becomes durable once its service acknowledges it.
	client := pool.ForURL(reg.APIURL)
	err = client.PutAssistant(c.Request.Context(), runtime.AssistantDefinition{
		ID:         assistant.ID,
		Name:       assistant.Name,
		TemplateID: assistant.TemplateID,
		Metadata:   assistant.Metadata,
	}, nil)
	if err != nil {
		if delErr := store.DeleteAssistantUnchecked(c.Request.Context(), assistant.ID); delErr != nil {
			log.Error("Failed to delete assistant after service rejection", "assistantId", assistant.ID, "err", delErr)
		}
		handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, assistant)
}

func listAssistants(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	assistants, err := store.ListAssistants(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": assistants})
}

func getAssistant(c *gin.Context, store registrystore.WorkbenchStore) {
	userID := security.GetUserID(c)
	assistantID, err := uuid.Parse(c.Param("assistantId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assistant not found"})
		return
	}
	assistant, err := store.GetAssistant(c.Request.Context(), userID, assistantID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, assistant)
}

func deleteAssistant(c *gin.Context, store registrystore.WorkbenchStore, pool *runtime.ClientPool) {
	userID := security.GetUserID(c)
	assistantID, err := uuid.Parse(c.Param("assistantId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assistant not found"})
		return
	}
	ctx := c.Request.Context()
	assistant, err := store.GetAssistant(ctx, userID, assistantID)
	if err != nil {
		handleError(c, err)
		return
	}
	client, err := pool.ForAssistant(ctx, assistant)
	if err != nil {
		handleError(c, err)
		return
	}

	// Leave every conversation first. The service treating a connection as
	// already gone is fine; other failures abort the delete.
	conversations, err := store.ListAssistantConversations(ctx, assistantID)
	if err != nil {
		handleError(c, err)
		return
	}
	for _, conv := range conversations {
		if err := client.DeleteConversation(ctx, assistantID, conv.ID); err != nil {
			handleError(c, err)
			return
		}
		if err := store.DeactivateAssistantParticipant(ctx, conv.ID, assistantID); err != nil {
			handleError(c, err)
			return
		}
	}

	if err := client.DeleteAssistant(ctx, assistantID); err != nil {
		handleError(c, err)
		return
	}
	if err := store.DeleteAssistantUnchecked(ctx, assistantID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func connectConversation(c *gin.Context, store registrystore.WorkbenchStore, pool *runtime.ClientPool) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()
	assistantID, err := uuid.Parse(c.Param("assistantId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assistant not found"})
		return
	}
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	assistant, err := store.GetAssistant(ctx, userID, assistantID)
	if err != nil {
		handleError(c, err)
		return
	}
	if _, err := store.GetConversation(ctx, userID, conversationID); err != nil {
		handleError(c, err)
		return
	}
	client, err := pool.ForAssistant(ctx, assistant)
	if err != nil {
		handleError(c, err)
		return
	}
	if err := client.PutConversation(ctx, assistantID, conversationID, nil); err != nil {
		handleError(c, err)
		return
	}
	err = store.AddOrReactivateAssistantParticipant(ctx, model.AssistantParticipant{
		ConversationID: conversationID,
		AssistantID:    assistantID,
		Name:           assistant.Name,
		Image:          assistant.Image,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func disconnectConversation(c *gin.Context, store registrystore.WorkbenchStore, pool *runtime.ClientPool) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()
	assistantID, err := uuid.Parse(c.Param("assistantId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "assistant not found"})
		return
	}
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	assistant, err := store.GetAssistant(ctx, userID, assistantID)
	if err != nil {
		handleError(c, err)
		return
	}
	client, err := pool.ForAssistant(ctx, assistant)
	if err != nil {
		handleError(c, err)
		return
	}
	if err := client.DeleteConversation(ctx, assistantID, conversationID); err != nil {
		handleError(c, err)
		return
	}
	if err := store.DeactivateAssistantParticipant(ctx, conversationID, assistantID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var invalid *registrystore.InvalidArgumentError
	var conflict *registrystore.ConflictError
	var runtimeErr *runtime.Error

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &runtimeErr):
		c.JSON(http.StatusBadGateway, gin.H{"code": "assistant_service_error", "error": err.Error()})
	default:
		log.Error("Assistant operation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
