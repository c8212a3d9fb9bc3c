package models

import "time"

// RoomWatchRule は監視チャンネルに投稿されたルームコードで対象チャンネル名を変更する設定
type RoomWatchRule struct {
	WatchChannelID  string `gorm:"primaryKey"`
	TeamID          string
	TargetChannelID string
	NameFormat      string // "roomid" をコードに置き換える
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
