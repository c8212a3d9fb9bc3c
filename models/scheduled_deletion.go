package models

import "time"

// ScheduledDeletion は期限が来たら削除するメッセージ。チャンネルとメッセージの組ごとに1行のみ
type ScheduledDeletion struct {
	ChannelID string    `gorm:"primaryKey"`
	MessageID string    `gorm:"primaryKey"` // Slack の ts（チャンネル内でのみ一意）
	DueAt     time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
