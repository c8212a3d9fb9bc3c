package services

import (
	"context"
	"time"

	"slack-channel-automator/models"
)

// IsTestMode が true の間はバックグラウンド処理を同期で実行する
var IsTestMode = false

// OutboundMessage は投稿するメッセージの内容
type OutboundMessage struct {
	Content string
	Rich    bool
	Title   string
}

// ChannelMessage はチャンネル履歴の1メッセージ
type ChannelMessage struct {
	ID             string // Slack の ts
	UserID         string
	FromBot        bool
	Text           string
	PostedAt       time.Time
	HasAttachments bool
	HasReactions   bool
	Pinned         bool
}

// Effector は外部プラットフォームへの操作。
// 失敗は nil 以外に ErrNotFound / ErrPermissionDenied / *TransientError で分類する
type Effector interface {
	Send(ctx context.Context, channelID string, msg OutboundMessage) (string, error)
	Delete(ctx context.Context, channelID, messageID string) error
	Rename(ctx context.Context, channelID, name string) error
	React(ctx context.Context, channelID, messageID, marker string) error
	Grant(ctx context.Context, userID, groupID string) error
	Revoke(ctx context.Context, userID, groupID string) error
	// ListMessages は query に合う新しいほうから最大 Limit 件を古い順で返す
	ListMessages(ctx context.Context, channelID string, query HistoryQuery) ([]ChannelMessage, error)
}

// HistoryQuery はチャンネル履歴の取得条件
type HistoryQuery struct {
	Limit  int
	Before time.Time // ゼロ値でなければこれより前に投稿されたものだけ
}

// ProtectionMode は削除対象から除外するメッセージの種類
type ProtectionMode string

const (
	ProtectNone     ProtectionMode = models.ProtectionNone
	ProtectImage    ProtectionMode = models.ProtectionImage
	ProtectReaction ProtectionMode = models.ProtectionReaction
	ProtectBoth     ProtectionMode = models.ProtectionBoth
)

// ParseProtectionMode は空文字を none として扱う
func ParseProtectionMode(s string) (ProtectionMode, error) {
	switch ProtectionMode(s) {
	case "", ProtectNone:
		return ProtectNone, nil
	case ProtectImage, ProtectReaction, ProtectBoth:
		return ProtectionMode(s), nil
	}
	return "", &ValidationError{Field: "protection", Message: "must be one of none, image, reaction, both: " + s}
}

// Protects はメッセージを削除せずに残すべきかを返す
func (m ProtectionMode) Protects(msg ChannelMessage) bool {
	switch m {
	case ProtectImage:
		return msg.HasAttachments
	case ProtectReaction:
		return msg.HasReactions
	case ProtectBoth:
		return msg.HasAttachments || msg.HasReactions
	}
	return false
}
