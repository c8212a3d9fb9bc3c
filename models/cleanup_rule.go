package models

import "time"

const (
	ProtectionNone     = "none"
	ProtectionImage    = "image"
	ProtectionReaction = "reaction"
	ProtectionBoth     = "both"
)

// CleanupRule はチャンネルごとの古いメッセージの自動削除設定
type CleanupRule struct {
	ChannelID  string `gorm:"primaryKey"`
	TeamID     string
	AgeDays    int    // この日数より古いメッセージを削除
	Protection string // "none", "image", "reaction", "both"
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
