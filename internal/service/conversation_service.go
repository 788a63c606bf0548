package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"marhaba-chat-go/internal/memory"
	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/internal/prompt"
	"marhaba-chat-go/internal/repository"
	"marhaba-chat-go/pkg/log"
	"marhaba-chat-go/pkg/token"

	"gorm.io/gorm"
)

// ConversationService 定义了会话聚合与历史查询的业务接口。
type ConversationService interface {
	// ListConversations 返回按最后活跃时间倒序的会话摘要与去重会话总数。
	ListConversations(ctx context.Context, userID uint, limit, offset int) ([]model.ConversationSummary, int64, error)
	// GetHistory 返回指定会话的交互记录与总条数。
	GetHistory(ctx context.Context, userID uint, conversationID string, limit, offset int, ascending bool) ([]model.Exchange, int64, error)
	// RecentHistory 返回用户最近的交互记录，不区分会话。
	RecentHistory(ctx context.Context, userID uint, limit, offset int) ([]model.Exchange, int64, error)
	// StartConversation 生成一个新的会话标识并清除同键的陈旧记忆。
	StartConversation(userID uint, locale string) (conversationID, title string)
	// DeleteConversation 删除会话的全部交互记录并清除其进程内记忆，返回删除的条数。
	DeleteConversation(ctx context.Context, userID uint, conversationID string) (int64, error)
	// GetUserSummary 返回用户画像快照（可能为 nil）与交互统计。
	GetUserSummary(ctx context.Context, userID uint) (*model.UserSummary, *repository.UsageStats, error)
}

type conversationService struct {
	exchangeRepo repository.ExchangeRepository
	summaryRepo  repository.SummaryRepository
	sessions     *memory.Manager
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(exchangeRepo repository.ExchangeRepository, summaryRepo repository.SummaryRepository, sessions *memory.Manager) ConversationService {
	return &conversationService{
		exchangeRepo: exchangeRepo,
		summaryRepo:  summaryRepo,
		sessions:     sessions,
	}
}

// titleStripPattern 去除既不是单词字符也不是阿拉伯文字符的内容。
// 阿拉伯文范围与前端语言检测使用的 Unicode 区段一致。
var titleStripPattern = regexp.MustCompile(`[^\w\s\x{0600}-\x{06FF}\x{0750}-\x{077F}\x{FB50}-\x{FDFF}\x{FE70}-\x{FEFF}]`)

// titleTokens 按语言决定标题取用的词数。
func titleTokens(locale string) int {
	if locale == prompt.LocaleAR {
		return 3
	}
	return 4
}

// SynthesizeTitle 从会话的首条消息合成展示标题。
// 清洗后不足 3 个字符时回退到该语言的默认标题；超过 50 个字符时截断为 47 个字符加省略号。
func SynthesizeTitle(message, locale string) string {
	cleaned := titleStripPattern.ReplaceAllString(message, "")
	tokens := strings.Fields(cleaned)
	if n := titleTokens(locale); len(tokens) > n {
		tokens = tokens[:n]
	}

	title := strings.Join(tokens, " ")
	if len([]rune(title)) < 3 {
		return prompt.DefaultTitle(locale)
	}
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}
	return title
}

// ListConversations 聚合交互记录为会话列表，并为每个会话合成标题。
// 单个分组的标题合成失败只影响该分组（回退默认标题），绝不使整个列表失败。
func (s *conversationService) ListConversations(ctx context.Context, userID uint, limit, offset int) ([]model.ConversationSummary, int64, error) {
	groups, err := s.exchangeRepo.GroupByConversation(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	// 分页
	if offset >= len(groups) {
		groups = nil
	} else {
		groups = groups[offset:]
	}
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}

	for i := range groups {
		groups[i].Title = s.titleFor(ctx, userID, &groups[i])
	}

	total, err := s.exchangeRepo.CountDistinctConversations(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

// titleFor 取分组的首条消息合成标题，任何失败都回退到默认标题。
func (s *conversationService) titleFor(ctx context.Context, userID uint, group *model.ConversationSummary) string {
	first, err := s.exchangeRepo.FirstInConversation(ctx, userID, group.ConversationID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("Failed to load first exchange for conversation %s: %v", group.ConversationID, err)
		}
		return prompt.DefaultTitle(group.Language)
	}
	return SynthesizeTitle(first.Message, group.Language)
}

// GetHistory 返回指定会话的交互记录。
func (s *conversationService) GetHistory(ctx context.Context, userID uint, conversationID string, limit, offset int, ascending bool) ([]model.Exchange, int64, error) {
	return s.exchangeRepo.FindByConversation(ctx, userID, conversationID, limit, offset, ascending)
}

// RecentHistory 返回用户最近的交互记录。
func (s *conversationService) RecentHistory(ctx context.Context, userID uint, limit, offset int) ([]model.Exchange, int64, error) {
	return s.exchangeRepo.FindRecentByUser(ctx, userID, limit, offset)
}

// StartConversation 生成一个新的会话标识。
// 会话本身只在第一条交互写入后才存在，这里只负责发号与清理陈旧记忆。
func (s *conversationService) StartConversation(userID uint, locale string) (string, string) {
	conversationID := token.GenerateRandomString(16)
	s.sessions.Evict(userID, conversationID)
	return conversationID, prompt.DefaultTitle(locale)
}

// DeleteConversation 删除会话的交互记录并清除其进程内记忆。
func (s *conversationService) DeleteConversation(ctx context.Context, userID uint, conversationID string) (int64, error) {
	deleted, err := s.exchangeRepo.DeleteByConversation(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	s.sessions.Evict(userID, conversationID)
	log.Infof("Deleted conversation %s for user %d (%d exchanges)", conversationID, userID, deleted)
	return deleted, nil
}

// GetUserSummary 返回用户画像快照与交互统计。快照不存在时返回 nil 而非错误。
func (s *conversationService) GetUserSummary(ctx context.Context, userID uint) (*model.UserSummary, *repository.UsageStats, error) {
	summary, err := s.summaryRepo.FindByUser(ctx, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	stats, err := s.exchangeRepo.Stats(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return summary, stats, nil
}
