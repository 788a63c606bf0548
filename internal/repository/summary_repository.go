package repository

import (
	"context"

	"marhaba-chat-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SummaryRepository 定义了用户画像快照的持久化操作。
type SummaryRepository interface {
	Upsert(ctx context.Context, userID uint, summaryText, language string) error
	FindByUser(ctx context.Context, userID uint) (*model.UserSummary, error)
}

// summaryRepository 是 SummaryRepository 接口的 GORM 实现。
type summaryRepository struct {
	db *gorm.DB
}

// NewSummaryRepository 创建一个新的 SummaryRepository 实例。
func NewSummaryRepository(db *gorm.DB) SummaryRepository {
	return &summaryRepository{db: db}
}

// Upsert 以 user_id 为冲突键写入或更新用户画像快照。
func (r *summaryRepository) Upsert(ctx context.Context, userID uint, summaryText, language string) error {
	summary := model.UserSummary{
		UserID:      userID,
		SummaryText: summaryText,
		Language:    language,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary_text", "language", "updated_at"}),
	}).Create(&summary).Error
}

// FindByUser 查找指定用户的画像快照。
func (r *summaryRepository) FindByUser(ctx context.Context, userID uint) (*model.UserSummary, error) {
	var summary model.UserSummary
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
