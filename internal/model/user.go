// Package model 包含了应用的数据模型定义。
package model

import "time"

// User 代表一个注册用户。
type User struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Email              string    `gorm:"uniqueIndex;not null" json:"email"`
	Password           string    `gorm:"not null" json:"-"`
	LanguagePreference string    `gorm:"type:varchar(8);default:en" json:"languagePreference"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (User) TableName() string {
	return "users"
}
