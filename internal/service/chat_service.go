// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marhaba-chat-go/internal/config"
	"marhaba-chat-go/internal/memory"
	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/internal/prompt"
	"marhaba-chat-go/internal/repository"
	"marhaba-chat-go/pkg/events"
	"marhaba-chat-go/pkg/llm"
	"marhaba-chat-go/pkg/log"
)

// RouterModelName 是意图路由生成的交互记录使用的模型标识。
const RouterModelName = "router-agent"

// ErrUnsupportedModel 表示请求的模型不在支持列表中。
var ErrUnsupportedModel = errors.New("unsupported model")

// RouteResult 是一次意图路由的结果。
// Degraded 表示分类阶段失败或输出无法识别、意图被兜底为 casual。
type RouteResult struct {
	Exchange *model.Exchange
	Intent   prompt.Intent
	Degraded bool
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Route 对消息进行意图分类并分发到相应的回复策略。
	// 生成服务故障被就地降级为固定文案，仅持久化失败会返回错误。
	Route(ctx context.Context, user *model.User, message, conversationID, locale string) (*RouteResult, error)
	// SimpleChat 是不经过意图路由的直接对话路径，模型可选。
	SimpleChat(ctx context.Context, user *model.User, message, modelName, conversationID, locale string) (*model.Exchange, error)
	// StreamSimpleChat 与 SimpleChat 相同，但以流式方式将分块写入 writer。
	StreamSimpleChat(ctx context.Context, user *model.User, message, modelName, conversationID, locale string, writer llm.MessageWriter) (*model.Exchange, error)
	// ClearMemory 清除指定会话的进程内记忆及其派生绑定。
	ClearMemory(userID uint, conversationID string)
	// MemoryStats 返回会话记忆的统计信息。
	MemoryStats() (sessions int, bindings int)
}

type chatService struct {
	llmClient    llm.Client
	exchangeRepo repository.ExchangeRepository
	summaryRepo  repository.SummaryRepository
	sessions     *memory.Manager
	chatCfg      config.ChatConfig
	llmCfg       config.LLMConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	llmClient llm.Client,
	exchangeRepo repository.ExchangeRepository,
	summaryRepo repository.SummaryRepository,
	sessions *memory.Manager,
	chatCfg config.ChatConfig,
	llmCfg config.LLMConfig,
) ChatService {
	return &chatService{
		llmClient:    llmClient,
		exchangeRepo: exchangeRepo,
		summaryRepo:  summaryRepo,
		sessions:     sessions,
		chatCfg:      chatCfg,
		llmCfg:       llmCfg,
	}
}

// contextBudget 返回指定意图的上下文字符预算。
func (s *chatService) contextBudget(intent prompt.Intent) int {
	switch intent {
	case prompt.IntentCasual:
		return s.chatCfg.ContextBudgets.Casual
	case prompt.IntentTechnical:
		return s.chatCfg.ContextBudgets.Technical
	case prompt.IntentSummary:
		return s.chatCfg.ContextBudgets.Summary
	default:
		// help 不携带历史上下文
		return s.chatCfg.ContextBudgets.Help
	}
}

// complete 以单次调用超时包装生成请求。超时与其他瞬时故障同样走降级路径。
func (s *chatService) complete(ctx context.Context, promptText string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.llmCfg.RequestTimeoutSeconds)*time.Second)
	defer cancel()
	return s.llmClient.Complete(callCtx, s.llmCfg.DefaultModel, promptText)
}

// Route 执行 分类 → 取上下文 → 生成 → 落库 的完整流程，顺序固定。
func (s *chatService) Route(ctx context.Context, user *model.User, message, conversationID, locale string) (*RouteResult, error) {
	locale = prompt.NormalizeLocale(locale)
	if conversationID == "" {
		conversationID = model.DefaultConversationID
	}

	// 1. 意图分类。失败或输出无法识别时兜底为 casual，绝不因此向上抛错。
	intent := prompt.IntentCasual
	degraded := false
	raw, err := s.complete(ctx, prompt.Classifier(locale, message))
	if err != nil {
		degraded = true
		log.Warnf("Intent classification failed for user %d, defaulting to casual: %v", user.ID, err)
	} else {
		parsed, ok := prompt.ParseIntent(strings.ToLower(strings.TrimSpace(raw)))
		intent = parsed
		if !ok {
			degraded = true
			log.Warnf("Unrecognized intent %q for user %d, defaulting to casual", strings.TrimSpace(raw), user.ID)
		}
	}
	log.Debugf("Detected intent %s for user %d (degraded=%v)", intent, user.ID, degraded)

	// 2. 按意图取有界上下文并生成回复
	responseText := s.respond(ctx, user, intent, message, conversationID, locale)

	// 3. 持久化交互记录。没有安全的降级手段，失败向调用方传播。
	exchange := &model.Exchange{
		UserID:         user.ID,
		ConversationID: conversationID,
		ModelName:      RouterModelName,
		Message:        message,
		Response:       responseText,
		Language:       locale,
	}
	if err := s.exchangeRepo.Append(ctx, exchange); err != nil {
		return nil, fmt.Errorf("failed to append exchange: %w", err)
	}

	// 4. 更新会话记忆并发布事件
	s.sessions.Append(user.ID, conversationID, model.Turn{
		Message:   message,
		Response:  responseText,
		Timestamp: time.Now(),
	})
	s.publishExchange(ctx, exchange, string(intent))

	return &RouteResult{Exchange: exchange, Intent: intent, Degraded: degraded}, nil
}

// respond 执行指定意图的回复策略。每个策略要么产出文本，要么返回该语言的降级文案。
func (s *chatService) respond(ctx context.Context, user *model.User, intent prompt.Intent, message, conversationID, locale string) string {
	budget := s.contextBudget(intent)

	var contextText string
	switch intent {
	case prompt.IntentSummary:
		// summary 直接读取持久化的最近交互，而非会话记忆
		history, err := s.summaryHistory(ctx, user.ID, budget)
		if err != nil {
			log.Error("Failed to load history for summary", err)
			return prompt.Fallback(intent, locale)
		}
		contextText = history
	case prompt.IntentHelp:
		// help 忽略历史
	default:
		contextText = memory.BuildContext(s.sessions.History(user.ID, conversationID), budget)
	}

	responseText, err := s.complete(ctx, prompt.Response(intent, locale, contextText, message))
	if err != nil {
		log.Error(fmt.Sprintf("Generation failed for intent %s, user %d", intent, user.ID), err)
		return prompt.Fallback(intent, locale)
	}

	// summary 策略在返回前落库用户画像快照
	if intent == prompt.IntentSummary {
		if err := s.summaryRepo.Upsert(ctx, user.ID, responseText, locale); err != nil {
			log.Error(fmt.Sprintf("Failed to upsert user summary for user %d", user.ID), err)
			return prompt.Fallback(intent, locale)
		}
		log.Infof("User summary saved for user %d", user.ID)
	}

	return responseText
}

// summaryHistory 拉取最近的交互并渲染为摘要模板使用的历史文本，按预算截断。
func (s *chatService) summaryHistory(ctx context.Context, userID uint, budget int) (string, error) {
	exchanges, _, err := s.exchangeRepo.FindRecentByUser(ctx, userID, s.chatCfg.SummaryWindow, 0)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(exchanges))
	for _, e := range exchanges {
		parts = append(parts, fmt.Sprintf("[%s] User: %s\nAI (%s): %s",
			e.CreatedAt.Format(time.RFC3339), e.Message, e.ModelName, e.Response))
	}
	return truncateRunes(strings.Join(parts, "\n\n"), budget), nil
}

// truncateRunes 按字符数截断文本，保留开头。
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// SimpleChat 以指定模型直接对话。与路由路径不同，生成失败会向上返回错误。
func (s *chatService) SimpleChat(ctx context.Context, user *model.User, message, modelName, conversationID, locale string) (*model.Exchange, error) {
	return s.simpleChat(ctx, user, message, modelName, conversationID, locale, nil)
}

// StreamSimpleChat 以流式方式直接对话，分块写入 writer。
func (s *chatService) StreamSimpleChat(ctx context.Context, user *model.User, message, modelName, conversationID, locale string, writer llm.MessageWriter) (*model.Exchange, error) {
	return s.simpleChat(ctx, user, message, modelName, conversationID, locale, writer)
}

func (s *chatService) simpleChat(ctx context.Context, user *model.User, message, modelName, conversationID, locale string, writer llm.MessageWriter) (*model.Exchange, error) {
	if modelName == "" {
		modelName = s.llmCfg.DefaultModel
	}
	if !llm.IsSupportedModel(modelName) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, modelName)
	}
	locale = prompt.NormalizeLocale(locale)
	if conversationID == "" {
		conversationID = model.DefaultConversationID
	}

	binding := s.sessions.GetOrCreateBinding(user.ID, conversationID, modelName, locale)
	history := memory.RenderHistory(s.sessions.History(user.ID, conversationID))
	promptText := prompt.System(binding.Locale, history, message)

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.llmCfg.RequestTimeoutSeconds)*time.Second)
	defer cancel()

	var responseText string
	var err error
	if writer != nil {
		responseText, err = s.llmClient.StreamCompletion(callCtx, binding.ModelName, promptText, writer)
	} else {
		responseText, err = s.llmClient.Complete(callCtx, binding.ModelName, promptText)
	}
	if err != nil {
		return nil, err
	}

	// 流式场景下原始请求可能已被取消，使用独立上下文保存已生成的回答
	saveCtx := ctx
	if writer != nil {
		saveCtx = context.Background()
	}

	exchange := &model.Exchange{
		UserID:         user.ID,
		ConversationID: conversationID,
		ModelName:      modelName,
		Message:        message,
		Response:       responseText,
		Language:       locale,
	}
	if err := s.exchangeRepo.Append(saveCtx, exchange); err != nil {
		return nil, fmt.Errorf("failed to append exchange: %w", err)
	}

	s.sessions.Append(user.ID, conversationID, model.Turn{
		Message:   message,
		Response:  responseText,
		Timestamp: time.Now(),
	})
	s.publishExchange(saveCtx, exchange, "")

	return exchange, nil
}

// publishExchange 尽力发布交互事件，失败只记录日志。
func (s *chatService) publishExchange(ctx context.Context, exchange *model.Exchange, intent string) {
	event := events.ExchangeEvent{
		ExchangeID:     exchange.ID,
		UserID:         exchange.UserID,
		ConversationID: exchange.ConversationID,
		ModelName:      exchange.ModelName,
		Intent:         intent,
		Language:       exchange.Language,
		CreatedAt:      exchange.CreatedAt,
	}
	if err := events.PublishExchange(ctx, event); err != nil {
		log.Error("Failed to publish exchange event", err)
	}
}

// ClearMemory 清除指定会话的进程内记忆。
func (s *chatService) ClearMemory(userID uint, conversationID string) {
	s.sessions.Evict(userID, conversationID)
}

// MemoryStats 返回当前会话记忆的统计信息。
func (s *chatService) MemoryStats() (int, int) {
	return s.sessions.Stats()
}
