package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RoomCodePlaceholder はチャンネル名フォーマット中でルームコードに置き換える文字列
const RoomCodePlaceholder = "roomid"

var roomCodePattern = regexp.MustCompile(`^[0-9]{5,6}$`)

// MessageEvent はチャンネルに投稿されたメッセージ
type MessageEvent struct {
	TeamID    string
	ChannelID string
	UserID    string
	MessageID string
	Text      string
	FromBot   bool
}

// ReactionEvent はメッセージへのリアクションの追加・削除
type ReactionEvent struct {
	TeamID    string
	ChannelID string
	MessageID string
	UserID    string
	Reaction  string
	Added     bool
}

// TriggerMatcher はイベントごとに Store のルールを読み、該当すれば Effector を呼ぶ。
// ルールはキャッシュしない
type TriggerMatcher struct {
	store       Store
	effector    Effector
	ackReaction string
}

func NewTriggerMatcher(store Store, effector Effector, ackReaction string) *TriggerMatcher {
	if ackReaction == "" {
		ackReaction = "white_check_mark"
	}
	return &TriggerMatcher{
		store:       store,
		effector:    effector,
		ackReaction: ackReaction,
	}
}

// ExtractRoomCode は5〜6桁の数字だけのメッセージならそのコードを返す
func ExtractRoomCode(text string) (string, bool) {
	code := strings.TrimSpace(text)
	if !roomCodePattern.MatchString(code) {
		return "", false
	}
	return code, true
}

// FormatRoomName はフォーマット中のプレースホルダーをコードに置き換える
func FormatRoomName(format, code string) string {
	return strings.ReplaceAll(format, RoomCodePlaceholder, code)
}

// HandleMessage はルームコードの投稿を検知して対象チャンネル名を変更する
func (m *TriggerMatcher) HandleMessage(ctx context.Context, ev MessageEvent) error {
	if ev.FromBot {
		return nil
	}

	code, ok := ExtractRoomCode(ev.Text)
	if !ok {
		return nil
	}

	rule, err := m.store.FindRoomWatchRule(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}

	name := FormatRoomName(rule.NameFormat, code)
	if err := m.effector.Rename(ctx, rule.TargetChannelID, name); err != nil {
		return errors.Wrapf(err, "failed to rename channel=%s to %q", rule.TargetChannelID, name)
	}
	log.Info().Str("watch_channel", ev.ChannelID).Str("target", rule.TargetChannelID).Str("name", name).Msg("room channel renamed")

	if err := m.effector.React(ctx, ev.ChannelID, ev.MessageID, m.ackReaction); err != nil {
		return errors.Wrapf(err, "failed to acknowledge room code message=%s", ev.MessageID)
	}
	return nil
}

// HandleReaction はリアクションに対応するユーザーグループを付け外しする
func (m *TriggerMatcher) HandleReaction(ctx context.Context, ev ReactionEvent) error {
	rule, err := m.store.FindReactionRule(ctx, ev.ChannelID, ev.MessageID, ev.Reaction)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}

	if ev.Added {
		if err := m.effector.Grant(ctx, ev.UserID, rule.GroupID); err != nil {
			return errors.Wrapf(err, "failed to grant group=%s to user=%s", rule.GroupID, ev.UserID)
		}
		log.Info().Str("user", ev.UserID).Str("group", rule.GroupID).Str("reaction", rule.ReactionKey).Msg("group granted")
		return nil
	}

	if err := m.effector.Revoke(ctx, ev.UserID, rule.GroupID); err != nil {
		return errors.Wrapf(err, "failed to revoke group=%s from user=%s", rule.GroupID, ev.UserID)
	}
	log.Info().Str("user", ev.UserID).Str("group", rule.GroupID).Str("reaction", rule.ReactionKey).Msg("group revoked")
	return nil
}
