package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"slack-channel-automator/models"
	"slack-channel-automator/services"
)

// commandRequest はスラッシュコマンドの送信元
type commandRequest struct {
	TeamID      string
	ChannelID   string
	UserID      string
	ResponseURL string
}

// Slackのスラッシュコマンドを処理するハンドラ
func HandleSlackCommand(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := readVerifiedBody(c, d.SigningSecret); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid slack signature"})
			return
		}

		req := commandRequest{
			TeamID:      c.PostForm("team_id"),
			ChannelID:   c.PostForm("channel_id"),
			UserID:      c.PostForm("user_id"),
			ResponseURL: c.PostForm("response_url"),
		}
		text := c.PostForm("text")

		log.Info().
			Str("command", c.PostForm("command")).
			Str("text", text).
			Str("team", req.TeamID).
			Str("channel", req.ChannelID).
			Str("user", req.UserID).
			Msg("slack command received")

		// テキストをクォート対応で分割
		parts := parseCommand(text)
		if len(parts) == 0 {
			showHelp(c)
			return
		}

		subCommand, args := parts[0], parts[1:]
		switch subCommand {
		case "send-at":
			sendAt(c, d, req, args)
		case "sends":
			listSends(c, d, req)
		case "unsend":
			unsend(c, d, req, args)
		case "send-temp":
			sendTemp(c, d, req, args)
		case "delete-after":
			deleteAfter(c, d, req, args)
		case "cleanup":
			cleanup(c, d, req, args)
		case "reaction-role":
			reactionRole(c, d, req, args)
		case "room-watch":
			roomWatch(c, d, req, args)
		case "range-delete":
			rangeDelete(c, d, req, args)
		case "help":
			showHelp(c)
		default:
			c.String(200, fmt.Sprintf("不明なサブコマンドです: %s\n`/automate help` で使い方を確認してください。", subCommand))
		}
	}
}

// send-at <HH:MM> [--daily] [--rich] [--title=<t>] [--expire=<min>] <text>
func sendAt(c *gin.Context, d *Deps, req commandRequest, args []string) {
	if len(args) < 2 {
		c.String(200, "使い方: /automate send-at HH:MM [--daily] [--rich] [--title=見出し] [--expire=分] 本文")
		return
	}

	hhmm, err := services.NormalizeTimeOfDay(args[0])
	if err != nil {
		replyError(c, err)
		return
	}

	send := &models.ScheduledSend{
		TeamID:    req.TeamID,
		ChannelID: req.ChannelID,
		TimeOfDay: hhmm,
		CreatedBy: req.UserID,
	}

	rest := args[1:]
	for len(rest) > 0 && strings.HasPrefix(rest[0], "--") {
		flag := rest[0]
		rest = rest[1:]
		switch {
		case flag == "--daily":
			send.Recurring = true
		case flag == "--rich":
			send.Rich = true
		case strings.HasPrefix(flag, "--title="):
			send.Title = strings.TrimPrefix(flag, "--title=")
			send.Rich = true
		case strings.HasPrefix(flag, "--expire="):
			minutes, err := parsePositiveInt("expire", strings.TrimPrefix(flag, "--expire="))
			if err != nil {
				replyError(c, err)
				return
			}
			send.ExpireMinutes = minutes
		default:
			replyError(c, &services.ValidationError{Field: "flag", Message: "unknown option " + flag})
			return
		}
	}

	send.Content = strings.TrimSpace(strings.Join(rest, " "))
	if send.Content == "" {
		replyError(c, &services.ValidationError{Field: "content", Message: "message text is required"})
		return
	}

	if err := d.Store.CreateScheduledSend(c.Request.Context(), send); err != nil {
		replyError(c, err)
		return
	}

	kind := "1回だけ"
	if send.Recurring {
		kind = "毎日"
	}
	msg := fmt.Sprintf("%s %s に <#%s> へ投稿します。（ID: `%s`）", kind, services.FormatTimeOfDay(send.TimeOfDay), send.ChannelID, send.ID)
	if send.ExpireMinutes > 0 {
		msg += fmt.Sprintf("\n投稿は %d 分後に自動削除されます。", send.ExpireMinutes)
	}
	c.String(200, msg)
}

func listSends(c *gin.Context, d *Deps, req commandRequest) {
	sends, err := d.Store.ListScheduledSendsByTeam(c.Request.Context(), req.TeamID)
	if err != nil {
		replyError(c, err)
		return
	}
	if len(sends) == 0 {
		c.String(200, "予約投稿はありません。")
		return
	}

	var b strings.Builder
	b.WriteString("*予約投稿一覧*\n")
	for _, s := range sends {
		kind := "1回"
		if s.Recurring {
			kind = "毎日"
		}
		fmt.Fprintf(&b, "• `%s` %s (%s) <#%s> %s\n", s.ID, services.FormatTimeOfDay(s.TimeOfDay), kind, s.ChannelID, truncate(s.Content, 40))
	}
	c.String(200, b.String())
}

func unsend(c *gin.Context, d *Deps, req commandRequest, args []string) {
	if len(args) != 1 {
		c.String(200, "使い方: /automate unsend ID")
		return
	}

	sends, err := d.Store.ListScheduledSendsByTeam(c.Request.Context(), req.TeamID)
	if err != nil {
		replyError(c, err)
		return
	}
	found := false
	for _, s := range sends {
		if s.ID == args[0] {
			found = true
			break
		}
	}
	if !found {
		c.String(200, fmt.Sprintf("予約投稿 `%s` が見つかりません。", args[0]))
		return
	}

	if err := d.Store.DeleteScheduledSend(c.Request.Context(), args[0]); err != nil {
		replyError(c, err)
		return
	}
	c.String(200, fmt.Sprintf("予約投稿 `%s` を削除しました。", args[0]))
}

// send-temp <minutes> <text> は今すぐ投稿し、指定分後に削除する
func sendTemp(c *gin.Context, d *Deps, req commandRequest, args []string) {
	if len(args) < 2 {
		c.String(200, "使い方: /automate send-temp 分 本文")
		return
	}
	minutes, err := parsePositiveInt("minutes", args[0])
	if err != nil {
		replyError(c, err)
		return
	}
	content := strings.TrimSpace(strings.Join(args[1:], " "))
	if content == "" {
		replyError(c, &services.ValidationError{Field: "content", Message: "message text is required"})
		return
	}

	err = d.Executor.Execute(c.Request.Context(), services.Action{
		Kind:        services.ActionSend,
		ChannelID:   req.ChannelID,
		Message:     services.OutboundMessage{Content: content},
		ExpireAfter: time.Duration(minutes) * time.Minute,
	})
	if err != nil {
		replyError(c, err)
		return
	}
	c.String(200, fmt.Sprintf("投稿しました。%d 分後に削除されます。", minutes))
}

// delete-after <minutes> <message_ts>
func deleteAfter(c *gin.Context, d *Deps, req commandRequest, args []string) {
	if len(args) != 2 {
		c.String(200, "使い方: /automate delete-after 分 メッセージts")
		return
	}
	minutes, err := parsePositiveInt("minutes", args[0])
	if err != nil {
		replyError(c, err)
		return
	}
	messageID := args[1]
	if services.ParseSlackTimestamp(messageID).IsZero() {
		replyError(c, &services.ValidationError{Field: "message", Message: "invalid message timestamp " + messageID})
		return
	}

	dueAt := d.now().Add(time.Duration(minutes) * time.Minute)
	err = d.Store.UpsertScheduledDeletion(c.Request.Context(), &models.ScheduledDeletion{
		MessageID: messageID,
		ChannelID: req.ChannelID,
		DueAt:     dueAt,
	})
	if err != nil {
		replyError(c, err)
		return
	}
	c.String(200, fmt.Sprintf("メッセージ %s を %s に削除します。", messageID, dueAt.In(d.location()).Format("2006-01-02 15:04")))
}

// cleanup <days> [mode] | cleanup off | cleanup show
func cleanup(c *gin.Context, d *Deps, req commandRequest, args []string) {
	if len(args) == 0 {
		c.String(200, "使い方: /automate cleanup 日数 [none|image|reaction|both] / cleanup off / cleanup show")
		return
	}
	ctx := c.Request.Context()

	switch args[0] {
	case "off":
		if err := d.Store.DeleteCleanupRule(ctx, req.ChannelID); err != nil {
			replyError(c, err)
			return
		}
		c.String(200, "このチャンネルの自動削除を停止しました。")
		return
	case "show":
		rule, err := d.Store.GetCleanupRule(ctx, req.ChannelID)
		if err != nil {
			replyError(c, err)
			return
		}
		if rule == nil {
			c.String(200, "このチャンネルには自動削除が設定されていません。")
			return
		}
		c.String(200, fmt.Sprintf("%d 日より古いメッセージを削除します（保護: %s）", rule.AgeDays, rule.Protection))
		return
	}

	days, err := parsePositiveInt("days", args[0])
	if err != nil {
		replyError(c, err)
		return
	}
	mode := services.ProtectNone
	if len(args) > 1 {
		if mode, err = services.ParseProtectionMode(args[1]); err != nil {
			replyError(c, err)
			return
		}
	}

	rule := &models.CleanupRule{
		ChannelID:  req.ChannelID,
		TeamID:     req.TeamID,
		AgeDays:    days,
		Protection: string(mode),
	}
	if err := d.Store.UpsertCleanupRule(ctx, rule); err != nil {
		replyError(c, err)
		return
	}
	c.String(200, fmt.Sprintf("%d 日より古いメッセージを毎日削除します（保護: %s）", days, mode))
}

// reaction-role add <ts> <emoji> <usergroup> | remove <ts> <emoji> | list <ts>
func reactionRole(c *gin.Context, d *Deps, req commandRequest, args []string) {
	usage := "使い方: /automate reaction-role add メッセージts 絵文字 @グループ / remove メッセージts 絵文字 / list メッセージts"
	if len(args) < 2 {
		c.String(200, usage)
		return
	}
	ctx := c.Request.Context()
	messageID := args[1]

	switch {
	case args[0] == "add" && len(args) == 4:
		groupID := extractSlackID(args[3])
		if !strings.HasPrefix(groupID, "S") {
			replyError(c, &services.ValidationError{Field: "usergroup", Message: "user group mention is required: " + args[3]})
			return
		}
		rule := &models.ReactionRule{
			MessageID:   messageID,
			ReactionKey: args[2],
			ChannelID:   req.ChannelID,
			TeamID:      req.TeamID,
			GroupID:     groupID,
		}
		if err := d.Store.UpsertReactionRule(ctx, rule); err != nil {
			replyError(c, err)
			return
		}
		// 押しやすいようにボット自身でリアクションを付けておく
		if d.Effector != nil {
			if err := d.Effector.React(ctx, req.ChannelID, messageID, rule.ReactionKey); err != nil {
				log.Warn().Err(err).Str("message", messageID).Str("reaction", rule.ReactionKey).Msg("failed to add seed reaction")
			}
		}
		c.String(200, fmt.Sprintf(":%s: を付けたユーザーを <!subteam^%s> に追加します。", rule.ReactionKey, groupID))

	case args[0] == "remove" && len(args) == 3:
		if err := d.Store.DeleteReactionRule(ctx, req.ChannelID, messageID, args[2]); err != nil {
			replyError(c, err)
			return
		}
		c.String(200, fmt.Sprintf(":%s: のリアクションロールを削除しました。", services.CanonicalReactionKey(args[2])))

	case args[0] == "list" && len(args) == 2:
		rules, err := d.Store.ListReactionRules(ctx, req.ChannelID, messageID)
		if err != nil {
			replyError(c, err)
			return
		}
		if len(rules) == 0 {
			c.String(200, "このメッセージにはリアクションロールがありません。")
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "*メッセージ %s のリアクションロール*\n", messageID)
		for _, r := range rules {
			fmt.Fprintf(&b, "• :%s: → <!subteam^%s>\n", r.ReactionKey, r.GroupID)
		}
		c.String(200, b.String())

	default:
		c.String(200, usage)
	}
}

// room-watch <#target> <format> | room-watch off
func roomWatch(c *gin.Context, d *Deps, req commandRequest, args []string) {
	ctx := c.Request.Context()

	if len(args) == 1 && args[0] == "off" {
		if err := d.Store.DeleteRoomWatchRule(ctx, req.ChannelID); err != nil {
			replyError(c, err)
			return
		}
		c.String(200, "このチャンネルのルームコード監視を停止しました。")
		return
	}
	if len(args) < 2 {
		c.String(200, "使い方: /automate room-watch #対象チャンネル 名前フォーマット（roomid を含める） / room-watch off")
		return
	}

	target := extractSlackID(args[0])
	if !strings.HasPrefix(target, "C") && !strings.HasPrefix(target, "G") {
		replyError(c, &services.ValidationError{Field: "target", Message: "channel mention is required: " + args[0]})
		return
	}
	format := strings.Join(args[1:], " ")
	if !strings.Contains(format, services.RoomCodePlaceholder) {
		replyError(c, &services.ValidationError{Field: "format", Message: "format must contain " + services.RoomCodePlaceholder})
		return
	}

	rule := &models.RoomWatchRule{
		WatchChannelID:  req.ChannelID,
		TeamID:          req.TeamID,
		TargetChannelID: target,
		NameFormat:      format,
	}
	if err := d.Store.UpsertRoomWatchRule(ctx, rule); err != nil {
		replyError(c, err)
		return
	}
	c.String(200, fmt.Sprintf("このチャンネルに投稿されたルームコードで <#%s> の名前を「%s」に変更します。", target, format))
}

// range-delete [mode]
func rangeDelete(c *gin.Context, d *Deps, req commandRequest, args []string) {
	mode := services.ProtectNone
	if len(args) > 0 {
		var err error
		if mode, err = services.ParseProtectionMode(args[0]); err != nil {
			replyError(c, err)
			return
		}
	}

	key := services.MarkerKey{TeamID: req.TeamID, ChannelID: req.ChannelID, UserID: req.UserID}
	if markers, ok := d.Cleaner.Markers().Get(key); !ok || !markers.Complete() {
		c.String(200, "開始と終了のメッセージを選択してください（メッセージのショートカット「範囲削除の開始」「範囲削除の終了」）。")
		return
	}

	if services.IsTestMode {
		result, err := d.Cleaner.Execute(c.Request.Context(), key, mode)
		if err != nil {
			replyError(c, err)
			return
		}
		c.String(200, formatRangeResult(result))
		return
	}

	c.String(200, "範囲削除を開始しました。完了したらお知らせします。")
	d.runBackground("range-delete", d.rangeTimeout(), func(ctx context.Context) {
		result, err := d.Cleaner.Execute(ctx, key, mode)
		if err != nil {
			log.Error().Err(err).Str("channel", key.ChannelID).Msg("range delete failed")
			d.respond(ctx, req.ResponseURL, errorMessage(err))
			return
		}
		d.respond(ctx, req.ResponseURL, formatRangeResult(result))
	})
}

func formatRangeResult(r services.RangeResult) string {
	msg := fmt.Sprintf("%d 件削除しました（権限エラー %d 件）", r.Deleted, r.PermissionDenied)
	if r.Protected > 0 {
		msg += fmt.Sprintf("\n保護されたメッセージ: %d 件", r.Protected)
	}
	if r.Failed > 0 {
		msg += fmt.Sprintf("\n削除に失敗したメッセージ: %d 件", r.Failed)
	}
	if r.Interrupted() {
		msg += fmt.Sprintf("\n時間切れのため %d 件は未処理です。もう一度 /automate range-delete を実行すると続きを削除します。", r.Remaining)
	}
	return msg
}

func replyError(c *gin.Context, err error) {
	c.String(200, errorMessage(err))
}

func errorMessage(err error) string {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("入力が正しくありません: %s", verr.Error())
	case errors.Is(err, services.ErrRangeNotSelected):
		return "開始と終了のメッセージを選択してください。"
	case errors.Is(err, services.ErrMarkerNotFound):
		return "選択したメッセージが履歴に見つかりませんでした。もう一度選択してください。"
	case errors.Is(err, services.ErrPermissionDenied):
		return "権限がないため実行できませんでした。"
	}
	log.Error().Err(err).Msg("command failed")
	return "エラーが発生しました。しばらくしてから再度お試しください。"
}

func parsePositiveInt(field, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, &services.ValidationError{Field: field, Message: "must be a positive integer: " + s}
	}
	return n, nil
}

// extractSlackID は <#C123|name>, <!subteam^S123|@name>, <@U123> からIDを取り出す
func extractSlackID(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if i := strings.Index(s, "|"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "!subteam^")
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(s, "@")
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// parseCommand はクォート（" または '）を考慮して空白で分割する
func parseCommand(text string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false
	quoteChar := byte(0)

	for i := 0; i < len(text); i++ {
		char := text[i]

		switch {
		case char == '"' || char == '\'':
			if !inQuote {
				inQuote = true
				quoteChar = char
			} else if char == quoteChar {
				inQuote = false
				quoteChar = 0
			} else {
				// 異なるクォート文字は普通の文字として扱う
				current.WriteByte(char)
			}
		case (char == ' ' || char == '\n' || char == '\t') && !inQuote:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

func showHelp(c *gin.Context) {
	help := `*チャンネル自動化Botコマンド*
コマンド形式: /automate サブコマンド [引数]

*予約投稿*
• /automate send-at 09:00 [--daily] [--rich] [--title=見出し] [--expire=分] 本文 - 指定時刻に投稿（--daily で毎日）
• /automate sends - 予約投稿の一覧
• /automate unsend ID - 予約投稿を削除
• /automate send-temp 分 本文 - 今すぐ投稿し、指定分後に削除

*削除*
• /automate delete-after 分 メッセージts - 指定メッセージを指定分後に削除
• /automate cleanup 日数 [none|image|reaction|both] - 古いメッセージを毎日削除（保護モード指定可）
• /automate cleanup show - 自動削除の設定を表示
• /automate cleanup off - 自動削除を停止
• /automate range-delete [none|image|reaction|both] - ショートカットで選んだ開始〜終了のメッセージを削除

*リアクションロール*
• /automate reaction-role add メッセージts 絵文字 @グループ - リアクションでユーザーグループに追加
• /automate reaction-role remove メッセージts 絵文字
• /automate reaction-role list メッセージts

*ルームコード*
• /automate room-watch #対象チャンネル "部屋【roomid】" - このチャンネルに5〜6桁のコードが投稿されたら対象チャンネル名を変更
• /automate room-watch off

保護モード: image=添付ファイル付き、reaction=リアクション付き、both=どちらか`

	c.String(200, help)
}
