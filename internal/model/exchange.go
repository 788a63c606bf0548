package model

import "time"

// DefaultConversationID 是未指定会话时使用的哨兵值。
// 历史数据中 conversation_id 可能为 NULL 或空串，查询时统一归一化为该值。
const DefaultConversationID = "default"

// Exchange 代表一次已持久化的问答交互。写入后不可变，仅支持按会话批量删除。
type Exchange struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"index;not null" json:"userId"`
	ConversationID string    `gorm:"type:varchar(255);index;default:default" json:"conversationId"`
	ModelName      string    `gorm:"not null" json:"modelName"`
	Message        string    `gorm:"type:text;not null" json:"message"`
	Response       string    `gorm:"type:text;not null" json:"response"`
	Language       string    `gorm:"type:varchar(8);default:en" json:"language"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Exchange) TableName() string {
	return "exchanges"
}

// UserSummary 存储由 summary 策略生成的用户画像快照，每个用户唯一。
type UserSummary struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"uniqueIndex;not null" json:"userId"`
	SummaryText string    `gorm:"type:text" json:"summaryText"`
	Language    string    `gorm:"type:varchar(8);default:en" json:"language"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (UserSummary) TableName() string {
	return "user_summaries"
}

// ConversationSummary 是按会话聚合出的展示摘要，不落库。
type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	Language       string    `json:"language"`
	MessageCount   int64     `json:"messageCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

// Turn 代表会话记忆中的一轮问答。
type Turn struct {
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}
