// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"strconv"

	"marhaba-chat-go/internal/config"
	"marhaba-chat-go/internal/prompt"
	"marhaba-chat-go/internal/service"
	"marhaba-chat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与会话聚合相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// queryInt 解析查询参数为整数，非法或缺省时返回默认值。
func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// List 返回用户的会话列表，按最近活跃时间倒序分页。
func (h *ConversationHandler) List(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	limit := queryInt(c, "limit", config.Conf.Chat.Page.DefaultLimit)
	offset := queryInt(c, "offset", 0)

	conversations, total, err := h.service.ListConversations(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		log.Errorf("List: failed to list conversations for user %d: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to fetch conversations",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"conversations": conversations,
			"totalCount":    total,
			"limit":         limit,
			"offset":        offset,
		},
	})
}

// History 返回单个会话的消息历史，默认按时间升序。
func (h *ConversationHandler) History(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	conversationID := c.Param("conversationId")
	limit := queryInt(c, "limit", config.Conf.Chat.Page.HistoryLimit)
	offset := queryInt(c, "offset", 0)
	ascending := c.DefaultQuery("order", "asc") != "desc"

	exchanges, total, err := h.service.GetHistory(c.Request.Context(), user.ID, conversationID, limit, offset, ascending)
	if err != nil {
		log.Errorf("History: failed for user %d conversation '%s': %v", user.ID, conversationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to fetch conversation history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"conversationId": conversationID,
			"history":        exchanges,
			"totalCount":     total,
			"limit":          limit,
			"offset":         offset,
		},
	})
}

// RecentHistory 返回用户跨所有会话的最近消息，按时间倒序。
func (h *ConversationHandler) RecentHistory(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}
	limit := queryInt(c, "limit", config.Conf.Chat.Page.DefaultLimit)
	offset := queryInt(c, "offset", 0)

	exchanges, total, err := h.service.RecentHistory(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		log.Errorf("RecentHistory: failed for user %d: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to fetch chat history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"history":    exchanges,
			"totalCount": total,
			"limit":      limit,
			"offset":     offset,
		},
	})
}

// Summary 返回用户的长期摘要与使用统计。
func (h *ConversationHandler) Summary(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		return
	}

	summary, stats, err := h.service.GetUserSummary(c.Request.Context(), user.ID)
	if err != nil {
		log.Errorf("Summary: failed for user %d: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to fetch user summary",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"summary": summary,
			"stats":   stats,
		},
	})
}

// NewConversationRequest 定义了新建会话 API 的请求体结构。
type NewConversationRequest struct {
	Title    string `json:"title"`
	Language string `json:"language"`
}

// NewConversation 生成一个新的会话 ID 并清除同名会话的残留记忆。
func (h *ConversationHandler) NewConversation(c *gin.Context) {
	var req NewConversationRequest
	_ = c.ShouldBindJSON(&req)

	user := currentUser(c)
	if user == nil {
		return
	}
	locale := resolveLocale(req.Language, user)

	conversationID, title := h.service.StartConversation(user.ID, locale)
	if req.Title != "" {
		title = req.Title
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"conversationId": conversationID,
			"title":          title,
			"language":       locale,
			"messageCount":   0,
		},
	})
}

// DeleteConversationRequest 携带删除确认所需的语言偏好。
type DeleteConversationRequest struct {
	Language string `json:"language"`
}

// Delete 删除会话的持久化历史并清除其进程内记忆。
func (h *ConversationHandler) Delete(c *gin.Context) {
	var req DeleteConversationRequest
	_ = c.ShouldBindJSON(&req)

	user := currentUser(c)
	if user == nil {
		return
	}
	conversationID := c.Param("conversationId")
	locale := resolveLocale(req.Language, user)

	deleted, err := h.service.DeleteConversation(c.Request.Context(), user.ID, conversationID)
	if err != nil {
		log.Errorf("Delete: failed for user %d conversation '%s': %v", user.ID, conversationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to delete conversation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": prompt.ConversationDeleted(locale, deleted),
		"data": gin.H{
			"conversationId":      conversationID,
			"deletedMessageCount": deleted,
		},
	})
}
