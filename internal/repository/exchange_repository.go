// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"time"

	"marhaba-chat-go/internal/model"

	"gorm.io/gorm"
)

// normalizedConversationID 在 SQL 层将 NULL 与空串的 conversation_id 归一化为哨兵值，
// 以兼容早期未写入会话标识的历史行。
const normalizedConversationID = "COALESCE(NULLIF(conversation_id, ''), 'default')"

// exchangeColumns 查询 Exchange 时使用的列集合，conversation_id 已归一化。
const exchangeColumns = "id, user_id, " + normalizedConversationID + " AS conversation_id, model_name, message, response, language, created_at"

// UsageStats 是单个用户的交互统计。
type UsageStats struct {
	TotalMessages      int64      `json:"totalMessages"`
	TotalConversations int64      `json:"totalConversations"`
	ArabicMessages     int64      `json:"arabicMessages"`
	EnglishMessages    int64      `json:"englishMessages"`
	LastActivity       *time.Time `json:"lastActivity"`
}

// ExchangeRepository 定义了交互记录的持久化操作。
// Exchange 一经写入不可变，仅支持按会话批量删除。
type ExchangeRepository interface {
	Append(ctx context.Context, exchange *model.Exchange) error
	FindByConversation(ctx context.Context, userID uint, conversationID string, limit, offset int, ascending bool) ([]model.Exchange, int64, error)
	FindRecentByUser(ctx context.Context, userID uint, limit, offset int) ([]model.Exchange, int64, error)
	FirstInConversation(ctx context.Context, userID uint, conversationID string) (*model.Exchange, error)
	GroupByConversation(ctx context.Context, userID uint) ([]model.ConversationSummary, error)
	CountDistinctConversations(ctx context.Context, userID uint) (int64, error)
	DeleteByConversation(ctx context.Context, userID uint, conversationID string) (int64, error)
	Stats(ctx context.Context, userID uint) (*UsageStats, error)
}

// exchangeRepository 是 ExchangeRepository 接口的 GORM 实现。
type exchangeRepository struct {
	db *gorm.DB
}

// NewExchangeRepository 创建一个新的 ExchangeRepository 实例。
func NewExchangeRepository(db *gorm.DB) ExchangeRepository {
	return &exchangeRepository{db: db}
}

// conversationScope 构造按会话过滤的查询条件。
// 目标为哨兵值 "default" 时同时命中 NULL 与空串的历史行。
func conversationScope(db *gorm.DB, userID uint, conversationID string) *gorm.DB {
	db = db.Where("user_id = ?", userID)
	if conversationID == "" || conversationID == model.DefaultConversationID {
		return db.Where("(conversation_id = ? OR conversation_id IS NULL OR conversation_id = '')", model.DefaultConversationID)
	}
	return db.Where("conversation_id = ?", conversationID)
}

// Append 写入一条新的交互记录。created_at 由服务端赋值，此后不再变更。
func (r *exchangeRepository) Append(ctx context.Context, exchange *model.Exchange) error {
	if exchange.ConversationID == "" {
		exchange.ConversationID = model.DefaultConversationID
	}
	return r.db.WithContext(ctx).Create(exchange).Error
}

// FindByConversation 返回指定会话的交互记录与该会话的总条数。
func (r *exchangeRepository) FindByConversation(ctx context.Context, userID uint, conversationID string, limit, offset int, ascending bool) ([]model.Exchange, int64, error) {
	var total int64
	base := conversationScope(r.db.WithContext(ctx).Model(&model.Exchange{}), userID, conversationID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at DESC"
	if ascending {
		order = "created_at ASC"
	}

	var exchanges []model.Exchange
	err := conversationScope(r.db.WithContext(ctx).Model(&model.Exchange{}), userID, conversationID).
		Select(exchangeColumns).
		Order(order).
		Limit(limit).
		Offset(offset).
		Find(&exchanges).Error
	if err != nil {
		return nil, 0, err
	}
	return exchanges, total, nil
}

// FindRecentByUser 按时间倒序返回用户最近的交互记录与总条数，不区分会话。
func (r *exchangeRepository) FindRecentByUser(ctx context.Context, userID uint, limit, offset int) ([]model.Exchange, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Exchange{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var exchanges []model.Exchange
	err := r.db.WithContext(ctx).Model(&model.Exchange{}).
		Select(exchangeColumns).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&exchanges).Error
	if err != nil {
		return nil, 0, err
	}
	return exchanges, total, nil
}

// FirstInConversation 返回会话中时间最早的一条交互记录。
func (r *exchangeRepository) FirstInConversation(ctx context.Context, userID uint, conversationID string) (*model.Exchange, error) {
	var exchange model.Exchange
	err := conversationScope(r.db.WithContext(ctx).Model(&model.Exchange{}), userID, conversationID).
		Select(exchangeColumns).
		Order("created_at ASC, id ASC").
		First(&exchange).Error
	if err != nil {
		return nil, err
	}
	return &exchange, nil
}

// GroupByConversation 按 (归一化会话ID, 语言) 聚合，计算条数与时间范围。
// 按最后活跃时间倒序，活跃时间相同时按会话ID升序保证稳定顺序。
func (r *exchangeRepository) GroupByConversation(ctx context.Context, userID uint) ([]model.ConversationSummary, error) {
	var groups []model.ConversationSummary
	err := r.db.WithContext(ctx).Model(&model.Exchange{}).
		Select(normalizedConversationID+" AS conversation_id, language, COUNT(id) AS message_count, MIN(created_at) AS created_at, MAX(created_at) AS last_activity").
		Where("user_id = ?", userID).
		Group(normalizedConversationID + ", language").
		Order("last_activity DESC, conversation_id ASC").
		Scan(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// CountDistinctConversations 返回用户的去重会话数，与分页无关。
func (r *exchangeRepository) CountDistinctConversations(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Exchange{}).
		Select("COUNT(DISTINCT "+normalizedConversationID+")").
		Where("user_id = ?", userID).
		Scan(&count).Error
	return count, err
}

// DeleteByConversation 删除指定会话的全部交互记录，返回删除的行数。
func (r *exchangeRepository) DeleteByConversation(ctx context.Context, userID uint, conversationID string) (int64, error) {
	result := conversationScope(r.db.WithContext(ctx), userID, conversationID).Delete(&model.Exchange{})
	return result.RowsAffected, result.Error
}

// Stats 返回用户的交互统计信息。
func (r *exchangeRepository) Stats(ctx context.Context, userID uint) (*UsageStats, error) {
	var stats UsageStats
	err := r.db.WithContext(ctx).Model(&model.Exchange{}).
		Select("COUNT(id) AS total_messages, "+
			"COUNT(DISTINCT "+normalizedConversationID+") AS total_conversations, "+
			"COUNT(CASE WHEN language = 'ar' THEN 1 END) AS arabic_messages, "+
			"COUNT(CASE WHEN language = 'en' THEN 1 END) AS english_messages, "+
			"MAX(created_at) AS last_activity").
		Where("user_id = ?", userID).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
