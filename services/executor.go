package services

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"slack-channel-automator/models"
)

type ActionKind string

const (
	ActionSend   ActionKind = "send"
	ActionDelete ActionKind = "delete"
)

// Action はスケジューラから Executor に渡す1件分の処理
type Action struct {
	Kind      ActionKind
	ChannelID string

	// send
	Message      OutboundMessage
	SourceSendID string        // ScheduledSend 由来の場合のID
	OneShot      bool          // true なら投稿成功後に ScheduledSend を削除
	ExpireAfter  time.Duration // 投稿したメッセージの自動削除までの時間

	// delete
	MessageID string
}

// ActionExecutor は Effector を呼び出し、結果に応じて Store を更新する
type ActionExecutor struct {
	store    Store
	effector Effector
	now      func() time.Time
}

func NewActionExecutor(store Store, effector Effector) *ActionExecutor {
	return &ActionExecutor{
		store:    store,
		effector: effector,
		now:      time.Now,
	}
}

// Execute は1件のアクションを実行する。エラーは呼び出し側でログに出して次に進む
func (e *ActionExecutor) Execute(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s action panicked: %v", action.Kind, r)
		}
	}()

	switch action.Kind {
	case ActionSend:
		return e.send(ctx, action)
	case ActionDelete:
		return e.delete(ctx, action)
	}
	return errors.Errorf("unknown action kind: %q", action.Kind)
}

func (e *ActionExecutor) send(ctx context.Context, action Action) error {
	messageID, err := e.effector.Send(ctx, action.ChannelID, action.Message)
	if err != nil {
		// 元の行は残す（ワンショットの場合は次に同じ時刻が来たときに再送される）
		return errors.Wrapf(err, "failed to send to channel=%s", action.ChannelID)
	}

	log.Info().
		Str("channel", action.ChannelID).
		Str("message", messageID).
		Str("source", action.SourceSendID).
		Msg("scheduled message sent")

	var firstErr error

	// 投稿済みのワンショットは削除予約より先に消す。後続が失敗しても再送はしない
	if action.SourceSendID != "" && action.OneShot {
		if err := e.store.DeleteScheduledSend(ctx, action.SourceSendID); err != nil {
			firstErr = errors.Wrapf(err, "failed to remove one-shot send id=%s", action.SourceSendID)
			log.Error().Err(err).Str("id", action.SourceSendID).Msg("failed to remove one-shot send")
		}
	}

	if action.ExpireAfter > 0 {
		deletion := &models.ScheduledDeletion{
			ChannelID: action.ChannelID,
			MessageID: messageID,
			DueAt:     e.now().Add(action.ExpireAfter),
		}
		if err := e.store.UpsertScheduledDeletion(ctx, deletion); err != nil {
			log.Error().Err(err).Str("channel", action.ChannelID).Str("message", messageID).
				Msg("failed to schedule deletion of sent message")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to schedule deletion of message=%s", messageID)
			}
		}
	}
	return firstErr
}

func (e *ActionExecutor) delete(ctx context.Context, action Action) error {
	err := e.effector.Delete(ctx, action.ChannelID, action.MessageID)
	if !IsDefinitive(err) {
		// 一時的な失敗は行を残して次のtickで再試行する
		return errors.Wrapf(err, "failed to delete message=%s channel=%s", action.MessageID, action.ChannelID)
	}

	switch {
	case err == nil:
		log.Info().Str("channel", action.ChannelID).Str("message", action.MessageID).Msg("scheduled message deleted")
	case errors.Is(err, ErrNotFound):
		log.Info().Str("channel", action.ChannelID).Str("message", action.MessageID).Msg("scheduled message already gone")
	default:
		// 権限エラーは再試行しても結果が変わらないので行を消す
		log.Warn().Err(err).Str("channel", action.ChannelID).Str("message", action.MessageID).
			Msg("scheduled deletion refused by platform, dropping")
	}

	if err := e.store.DeleteScheduledDeletion(ctx, action.ChannelID, action.MessageID); err != nil {
		return errors.Wrapf(err, "failed to remove scheduled deletion message=%s", action.MessageID)
	}
	return nil
}
