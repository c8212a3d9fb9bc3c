package models

import "time"

// ScheduledSend は指定時刻（HHMM）にチャンネルへ投稿するメッセージ
type ScheduledSend struct {
	ID            string `gorm:"primaryKey"`
	TeamID        string `gorm:"index"`
	ChannelID     string
	Content       string
	Rich          bool   // Block Kit で投稿するか
	Title         string // Rich の場合の見出し（任意）
	TimeOfDay     string `gorm:"index;size:4"` // 正規化済みの "HHMM"
	Recurring     bool   // true なら毎日投稿、false なら一度投稿したら削除
	ExpireMinutes int    // 0 より大きい場合、投稿したメッセージをこの分数後に削除する
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
