// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/internal/prompt"
	"marhaba-chat-go/internal/service"
	"marhaba-chat-go/pkg/llm"
	"marhaba-chat-go/pkg/log"
	"marhaba-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理聊天消息与 WebSocket 流式连接。
type ChatHandler struct {
	chatService   service.ChatService
	userService   service.UserService
	llmClient     llm.Client
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: connection pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, llmClient llm.Client, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		llmClient:   llmClient,
		jwtManager:  jwtManager,
	}
}

// MessageRequest 定义了发送消息 API 的请求体结构。
type MessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	Language       string `json:"language"`
	Model          string `json:"model_name"`
}

// SendMessage 处理带意图路由的聊天消息。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "invalid request payload",
		})
		return
	}
	user := currentUser(c)
	if user == nil {
		return
	}
	locale := resolveLocale(req.Language, user)

	if !hasContent(req.Message) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": prompt.EmptyMessageError(locale),
		})
		return
	}

	result, err := h.chatService.Route(c.Request.Context(), user, req.Message, req.ConversationID, locale)
	if err != nil {
		log.Errorf("SendMessage: routing failed for user %d: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": prompt.Fallback(prompt.IntentCasual, locale),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"message":        result.Exchange.Message,
			"response":       result.Exchange.Response,
			"conversationId": result.Exchange.ConversationID,
			"intent":         string(result.Intent),
			"degraded":       result.Degraded,
			"language":       result.Exchange.Language,
			"timestamp":      result.Exchange.CreatedAt,
		},
	})
}

// SendSimple 处理绕过意图路由的直接对话消息，模型可选。
func (h *ChatHandler) SendSimple(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "invalid request payload",
		})
		return
	}
	user := currentUser(c)
	if user == nil {
		return
	}
	locale := resolveLocale(req.Language, user)

	if !hasContent(req.Message) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": prompt.EmptyMessageError(locale),
		})
		return
	}

	exchange, err := h.chatService.SimpleChat(c.Request.Context(), user, req.Message, req.Model, req.ConversationID, locale)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedModel) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    http.StatusBadRequest,
				"message": err.Error(),
			})
			return
		}
		log.Errorf("SendSimple: chat failed for user %d: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": prompt.SimpleChatError(locale),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"message":        exchange.Message,
			"response":       exchange.Response,
			"conversationId": exchange.ConversationID,
			"model":          exchange.ModelName,
			"language":       exchange.Language,
			"timestamp":      exchange.CreatedAt,
		},
	})
}

// ClearMemoryRequest 定义了清除会话记忆 API 的请求体结构。
type ClearMemoryRequest struct {
	ConversationID string `json:"conversationId"`
}

// ClearMemory 清除指定会话的进程内记忆。
func (h *ChatHandler) ClearMemory(c *gin.Context) {
	var req ClearMemoryRequest
	// 请求体可为空，此时清除 default 会话
	_ = c.ShouldBindJSON(&req)

	user := currentUser(c)
	if user == nil {
		return
	}

	h.chatService.ClearMemory(user.ID, req.ConversationID)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Conversation memory cleared",
	})
}

// Status 返回聊天服务的运行状态与可用模型列表。
func (h *ChatHandler) Status(c *gin.Context) {
	sessions, bindings := h.chatService.MemoryStats()
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"status":             "operational",
			"availableModels":    h.llmClient.SupportedModels(),
			"supportedLanguages": []string{prompt.LocaleEN, prompt.LocaleAR},
			"memoryStats": gin.H{
				"activeSessions": sessions,
				"activeBindings": bindings,
			},
			"timestamp": time.Now().UnixMilli(),
		},
	})
}

// GetWebsocketStopToken 返回一个可用于停止流式响应的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// wsMessage 是 WebSocket 流式对话的入站消息结构。
type wsMessage struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	Model            string `json:"model_name"`
	ConversationID   string `json:"conversationId"`
	Language         string `json:"language"`
	InternalCmdToken string `json:"_internal_cmd_token"`
}

// stopAwareWriter 在停止标志置位后中断流式写入。
type stopAwareWriter struct {
	conn       *websocket.Conn
	shouldStop func() bool
}

var errStreamStopped = errors.New("stream stopped by client")

func (w *stopAwareWriter) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop() {
		return errStreamStopped
	}
	return w.conn.WriteMessage(messageType, data)
}

// Handle 处理一个传入的 WebSocket 流式对话连接。
// token 经 URL 路径传入，因为浏览器的 WebSocket API 无法设置请求头。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid token", "data": nil})
		return
	}

	user, err := h.userService.GetProfile(claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "failed to load user", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket upgrade failed", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket connection established for user '%s'", user.Email)

	connKey := fmt.Sprintf("%p", conn)
	defer h.stopFlags.Delete(connKey)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("Failed to read WebSocket message: %v", err)
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.writeWSError(conn, prompt.SimpleChatError(user.LanguagePreference))
			continue
		}

		// 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		if msg.Type == "stop" {
			h.stopTokenLock.Lock()
			valid := msg.InternalCmdToken != "" && msg.InternalCmdToken == h.stopToken
			h.stopTokenLock.Unlock()
			if valid {
				h.stopFlags.Store(connKey, true)
				h.writeWSJSON(conn, gin.H{
					"type":      "stop",
					"message":   "response stopped",
					"timestamp": time.Now().UnixMilli(),
				})
			}
			continue
		}

		locale := resolveLocale(msg.Language, user)
		if !hasContent(msg.Message) {
			h.writeWSError(conn, prompt.EmptyMessageError(locale))
			continue
		}

		// 清除上一轮残留的停止标志
		h.stopFlags.Delete(connKey)
		writer := &stopAwareWriter{
			conn: conn,
			shouldStop: func() bool {
				v, ok := h.stopFlags.Load(connKey)
				return ok && v.(bool)
			},
		}

		_, err = h.chatService.StreamSimpleChat(c.Request.Context(), user, msg.Message, msg.Model, msg.ConversationID, locale, writer)
		if err != nil && !errors.Is(err, errStreamStopped) {
			log.Errorf("Streaming chat failed for user %d: %v", user.ID, err)
			h.writeWSError(conn, prompt.SimpleChatError(locale))
		}

		// 无论成功与否都发送 completion 通知，便于前端复位输入框
		h.writeWSJSON(conn, gin.H{
			"type":      "completion",
			"status":    "finished",
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

func (h *ChatHandler) writeWSJSON(conn *websocket.Conn, payload gin.H) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Warnf("Failed to write WebSocket message: %v", err)
	}
}

func (h *ChatHandler) writeWSError(conn *websocket.Conn, message string) {
	h.writeWSJSON(conn, gin.H{"type": "error", "error": message})
}

// currentUser 从上下文中取出 AuthMiddleware 注入的用户对象。
func currentUser(c *gin.Context) *model.User {
	userValue, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "unauthenticated"})
		return nil
	}
	user, ok := userValue.(*model.User)
	if !ok || user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "invalid user in context"})
		return nil
	}
	return user
}

// resolveLocale 优先使用请求中的语言，缺省时回落到用户偏好。
func resolveLocale(requested string, user *model.User) string {
	if requested != "" {
		return prompt.NormalizeLocale(requested)
	}
	return prompt.NormalizeLocale(user.LanguagePreference)
}

// hasContent 判断消息去除空白后是否仍有内容。
func hasContent(message string) bool {
	for _, r := range message {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}
