package models

import "time"

// ReactionRule はメッセージへのリアクションでユーザーグループを付け外しする設定
type ReactionRule struct {
	ChannelID   string `gorm:"primaryKey"`
	MessageID   string `gorm:"primaryKey"` // 対象メッセージの ts
	ReactionKey string `gorm:"primaryKey"` // 正規化済みの絵文字名
	TeamID      string
	GroupID     string // Slack ユーザーグループID（S...）
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
