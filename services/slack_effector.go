package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

const maxChannelNameLength = 80

// SlackEffector は Slack Web API で Effector を実装する
type SlackEffector struct {
	client  *slack.Client
	timeout time.Duration

	groupMu    sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// NewSlackEffector は bot token でクライアントを作る。timeout は1回のAPI呼び出しの上限
func NewSlackEffector(token string, timeout time.Duration, options ...slack.Option) *SlackEffector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackEffector{
		client:     slack.New(token, options...),
		timeout:    timeout,
		groupLocks: make(map[string]*sync.Mutex),
	}
}

// lockGroup はユーザーグループのメンバー更新をグループごとに直列化する。
// Slack には差分更新の API がないので一覧の取得から更新までを同じロックの中で行う
func (e *SlackEffector) lockGroup(groupID string) func() {
	e.groupMu.Lock()
	l, ok := e.groupLocks[groupID]
	if !ok {
		l = &sync.Mutex{}
		e.groupLocks[groupID] = l
	}
	e.groupMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (e *SlackEffector) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

func (e *SlackEffector) Send(ctx context.Context, channelID string, msg OutboundMessage) (string, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	options := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.Rich {
		options = append(options, slack.MsgOptionBlocks(RichMessageBlocks(msg)...))
	}

	_, ts, err := e.client.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return "", classifySlackError("chat.postMessage", err)
	}
	return ts, nil
}

func (e *SlackEffector) Delete(ctx context.Context, channelID, messageID string) error {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	if _, _, err := e.client.DeleteMessageContext(ctx, channelID, messageID); err != nil {
		return classifySlackError("chat.delete", err)
	}
	return nil
}

func (e *SlackEffector) Rename(ctx context.Context, channelID, name string) error {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	if _, err := e.client.RenameConversationContext(ctx, channelID, SlackChannelName(name)); err != nil {
		return classifySlackError("conversations.rename", err)
	}
	return nil
}

func (e *SlackEffector) React(ctx context.Context, channelID, messageID, marker string) error {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	err := e.client.AddReactionContext(ctx, CanonicalReactionKey(marker), slack.NewRefToMessage(channelID, messageID))
	if err != nil {
		if slackErrorCode(err) == "already_reacted" {
			return nil
		}
		return classifySlackError("reactions.add", err)
	}
	return nil
}

// Grant はユーザーグループにユーザーを追加する。既にメンバーなら何もしない
func (e *SlackEffector) Grant(ctx context.Context, userID, groupID string) error {
	unlock := e.lockGroup(groupID)
	defer unlock()

	ctx, cancel := e.callContext(ctx)
	defer cancel()

	members, err := e.client.GetUserGroupMembersContext(ctx, groupID)
	if err != nil {
		return classifySlackError("usergroups.users.list", err)
	}
	for _, m := range members {
		if m == userID {
			return nil
		}
	}

	members = append(members, userID)
	if _, err := e.client.UpdateUserGroupMembersContext(ctx, groupID, strings.Join(members, ",")); err != nil {
		return classifySlackError("usergroups.users.update", err)
	}
	return nil
}

// Revoke はユーザーグループからユーザーを外す。メンバーでなければ何もしない
func (e *SlackEffector) Revoke(ctx context.Context, userID, groupID string) error {
	unlock := e.lockGroup(groupID)
	defer unlock()

	ctx, cancel := e.callContext(ctx)
	defer cancel()

	members, err := e.client.GetUserGroupMembersContext(ctx, groupID)
	if err != nil {
		return classifySlackError("usergroups.users.list", err)
	}

	remaining := make([]string, 0, len(members))
	for _, m := range members {
		if m != userID {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == len(members) {
		return nil
	}

	if _, err := e.client.UpdateUserGroupMembersContext(ctx, groupID, strings.Join(remaining, ",")); err != nil {
		return classifySlackError("usergroups.users.update", err)
	}
	return nil
}

func (e *SlackEffector) ListMessages(ctx context.Context, channelID string, query HistoryQuery) ([]ChannelMessage, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	limit := query.Limit
	latest := ""
	if !query.Before.IsZero() {
		latest = FormatSlackTimestamp(query.Before)
	}

	var collected []ChannelMessage
	cursor := ""
	for len(collected) < limit {
		pageSize := limit - len(collected)
		if pageSize > 200 {
			pageSize = 200
		}

		resp, err := e.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Latest:    latest,
			Limit:     pageSize,
		})
		if err != nil {
			return nil, classifySlackError("conversations.history", err)
		}

		for _, m := range resp.Messages {
			collected = append(collected, toChannelMessage(m))
		}

		cursor = resp.ResponseMetaData.NextCursor
		if !resp.HasMore || cursor == "" || len(resp.Messages) == 0 {
			break
		}
	}

	if len(collected) > limit {
		collected = collected[:limit]
	}

	// Slack は新しい順に返すので古い順に並べ替える
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

func toChannelMessage(m slack.Message) ChannelMessage {
	return ChannelMessage{
		ID:             m.Timestamp,
		UserID:         m.User,
		FromBot:        m.BotID != "" || m.SubType == "bot_message",
		Text:           m.Text,
		PostedAt:       ParseSlackTimestamp(m.Timestamp),
		HasAttachments: len(m.Files) > 0 || len(m.Attachments) > 0,
		HasReactions:   len(m.Reactions) > 0,
		Pinned:         len(m.PinnedTo) > 0,
	}
}

// ParseSlackTimestamp は "1700000000.000100" 形式の ts を時刻に変換する
func ParseSlackTimestamp(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}

	var nsec int64
	if fracPart != "" {
		frac := (fracPart + "000000000")[:9]
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, nsec)
}

// FormatSlackTimestamp は時刻を ts 形式にする
func FormatSlackTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// SlackChannelName は Slack のチャンネル名の制約（小文字・空白なし・80文字以内）に合わせる
func SlackChannelName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), "-")

	runes := []rune(n)
	if len(runes) > maxChannelNameLength {
		runes = runes[:maxChannelNameLength]
	}
	return string(runes)
}

var notFoundCodes = map[string]bool{
	"message_not_found": true,
	"channel_not_found": true,
	"user_not_found":    true,
	"no_such_subteam":   true,
	"subteam_not_found": true,
	"is_archived":       true,
}

var permissionCodes = map[string]bool{
	"cant_delete_message": true,
	"cant_update_message": true,
	"not_in_channel":      true,
	"missing_scope":       true,
	"not_authed":          true,
	"invalid_auth":        true,
	"restricted_action":   true,
	"permission_denied":   true,
	"no_permission":       true,
}

func slackErrorCode(err error) string {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err
	}
	return err.Error()
}

// classifySlackError は Slack のエラーを ErrNotFound / ErrPermissionDenied / *TransientError に分類する
func classifySlackError(op string, err error) error {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		log.Warn().Str("op", op).Dur("retry_after", rateLimited.RetryAfter).Msg("slack rate limited")
		return &TransientError{Op: op, Err: err, RetryAfter: rateLimited.RetryAfter}
	}

	code := slackErrorCode(err)
	switch {
	case notFoundCodes[code]:
		return errors.Wrapf(ErrNotFound, "%s: %s", op, code)
	case permissionCodes[code]:
		return errors.Wrapf(ErrPermissionDenied, "%s: %s", op, code)
	}
	return &TransientError{Op: op, Err: err}
}
