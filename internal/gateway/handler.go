package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"Chatline/internal/repo"
)

// Handler serves the harness's small REST surface: conversation lists and
// paginated message history.
type Handler struct {
	messages repo.MessageRepository
	logger   *zap.Logger
}

func NewHandler(messages repo.MessageRepository, logger *zap.Logger) *Handler {
	return &Handler{
		messages: messages,
		logger:   logger,
	}
}

// RegisterRoutes mounts the REST endpoints on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/conversations", h.GetConversations)
	router.GET("/conversations/:conversationId/messages", h.GetHistory)
}

func (h *Handler) GetConversations(c *gin.Context) {
	conversations, err := h.messages.GetConversations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get conversations",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": conversations,
	})
}

func (h *Handler) GetHistory(c *gin.Context) {
	conversationID := c.Param("conversationId")
	page := c.DefaultQuery("page", "1")
	pageNumber, err := strconv.ParseInt(page, 10, 64)
	if err != nil || pageNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid page number",
		})
		return
	}

	history, err := h.messages.GetHistory(c.Request.Context(), conversationID, pageNumber)
	if err != nil {
		h.logger.Warn("history fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get messages",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": history,
	})
}
