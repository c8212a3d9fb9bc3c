package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-channel-automator/models"
	"slack-channel-automator/services"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "空白区切り", text: "send-at 9:00 hello", want: []string{"send-at", "9:00", "hello"}},
		{name: "ダブルクォート", text: `room-watch <#C1|room> "Room 【roomid】"`, want: []string{"room-watch", "<#C1|room>", "Room 【roomid】"}},
		{name: "シングルクォート", text: `send-at 9:00 'it is "fine"'`, want: []string{"send-at", "9:00", `it is "fine"`}},
		{name: "連続した空白", text: "  sends   ", want: []string{"sends"}},
		{name: "オプション中のクォート", text: `send-at 9 --title="朝の連絡" 本文`, want: []string{"send-at", "9", "--title=朝の連絡", "本文"}},
		{name: "空", text: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.text))
		})
	}
}

func TestExtractSlackID(t *testing.T) {
	assert.Equal(t, "C123", extractSlackID("<#C123|general>"))
	assert.Equal(t, "C123", extractSlackID("<#C123>"))
	assert.Equal(t, "S456", extractSlackID("<!subteam^S456|@team>"))
	assert.Equal(t, "U789", extractSlackID("<@U789>"))
	assert.Equal(t, "S456", extractSlackID("S456"))
}

func TestCommand_Help(t *testing.T) {
	env := setupTestEnv(t)

	for _, text := range []string{"", "help"} {
		w := env.command(t, text)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "/automate send-at")
	}

	w := env.command(t, "unknown-sub")
	assert.Contains(t, w.Body.String(), "不明なサブコマンド")
}

func TestCommand_SendAt(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	w := env.command(t, `send-at 9:00 --daily --title="朝会" --expire=30 おはようございます 今日も一日`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "毎日 09:00")

	sends, err := env.store.ListScheduledSendsByTeam(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, sends, 1)
	s := sends[0]
	assert.Equal(t, "0900", s.TimeOfDay)
	assert.Equal(t, "C1", s.ChannelID)
	assert.Equal(t, "U1", s.CreatedBy)
	assert.True(t, s.Recurring)
	assert.True(t, s.Rich)
	assert.Equal(t, "朝会", s.Title)
	assert.Equal(t, 30, s.ExpireMinutes)
	assert.Equal(t, "おはようございます 今日も一日", s.Content)

	w = env.command(t, "sends")
	assert.Contains(t, w.Body.String(), s.ID)

	w = env.command(t, "unsend "+s.ID)
	assert.Contains(t, w.Body.String(), "削除しました")
	sends, err = env.store.ListScheduledSendsByTeam(ctx, "T1")
	require.NoError(t, err)
	assert.Empty(t, sends)

	w = env.command(t, "unsend "+s.ID)
	assert.Contains(t, w.Body.String(), "見つかりません")
}

func TestCommand_SendAtValidation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "時刻が不正", text: "send-at 25:00 hello", want: "入力が正しくありません"},
		{name: "本文なし", text: "send-at 9:00 --daily", want: "入力が正しくありません"},
		{name: "不明なオプション", text: "send-at 9:00 --weekly hello", want: "入力が正しくありません"},
		{name: "期限が不正", text: "send-at 9:00 --expire=0 hello", want: "入力が正しくありません"},
		{name: "引数不足", text: "send-at", want: "使い方"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			w := env.command(t, tt.text)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)

			var count int64
			env.db.Model(&models.ScheduledSend{}).Count(&count)
			assert.Equal(t, int64(0), count, "検証エラー時は保存しない")
		})
	}
}

func TestCommand_SendTemp(t *testing.T) {
	env := setupTestEnv(t)

	w := env.command(t, "send-temp 10 すぐ消えるお知らせ")
	assert.Contains(t, w.Body.String(), "10 分後に削除")
	assert.Equal(t, []string{"send C1 すぐ消えるお知らせ"}, env.effector.Calls())

	due, err := env.store.ListDueDeletions(context.Background(), time.Now().Add(11*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "C1", due[0].ChannelID)
	assert.Equal(t, "1714554000.000001", due[0].MessageID)
}

func TestCommand_DeleteAfter(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	w := env.command(t, "delete-after 5 1714550000.000100")
	assert.Contains(t, w.Body.String(), "2024-05-01 09:05")

	due, err := env.store.ListDueDeletions(ctx, testNow.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "1714550000.000100", due[0].MessageID)

	// 同じメッセージを再登録すると期限が上書きされる
	env.command(t, "delete-after 60 1714550000.000100")
	due, err = env.store.ListDueDeletions(ctx, testNow.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	w = env.command(t, "delete-after 5 not-a-ts")
	assert.Contains(t, w.Body.String(), "入力が正しくありません")
}

func TestCommand_Cleanup(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	w := env.command(t, "cleanup 7 image")
	assert.Contains(t, w.Body.String(), "7 日より古い")
	w = env.command(t, "cleanup 30 both")
	assert.Contains(t, w.Body.String(), "30 日より古い")

	rules, err := env.store.ListCleanupRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 30, rules[0].AgeDays)
	assert.Equal(t, models.ProtectionBoth, rules[0].Protection)
	assert.Equal(t, "T1", rules[0].TeamID)

	w = env.command(t, "cleanup show")
	assert.Contains(t, w.Body.String(), "both")

	w = env.command(t, "cleanup 3 stickers")
	assert.Contains(t, w.Body.String(), "入力が正しくありません")
	w = env.command(t, "cleanup -1")
	assert.Contains(t, w.Body.String(), "入力が正しくありません")

	w = env.command(t, "cleanup off")
	assert.Contains(t, w.Body.String(), "停止しました")
	rule, err := env.store.GetCleanupRule(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, rule)

	w = env.command(t, "cleanup show")
	assert.Contains(t, w.Body.String(), "設定されていません")
}

func TestCommand_ReactionRole(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	w := env.command(t, "reaction-role add 1714550000.000100 :Tada: <!subteam^S123|@members>")
	assert.Contains(t, w.Body.String(), ":tada:")

	rule, err := env.store.FindReactionRule(ctx, "C1", "1714550000.000100", "tada")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "S123", rule.GroupID)
	assert.Equal(t, []string{"react C1 1714550000.000100 tada"}, env.effector.Calls())

	w = env.command(t, "reaction-role list 1714550000.000100")
	assert.Contains(t, w.Body.String(), "<!subteam^S123>")

	w = env.command(t, "reaction-role add 1714550000.000100 wave <@U999>")
	assert.Contains(t, w.Body.String(), "入力が正しくありません")

	w = env.command(t, "reaction-role remove 1714550000.000100 :tada:")
	assert.Contains(t, w.Body.String(), "削除しました")
	rule, err = env.store.FindReactionRule(ctx, "C1", "1714550000.000100", "tada")
	require.NoError(t, err)
	assert.Nil(t, rule)

	w = env.command(t, "reaction-role list 1714550000.000100")
	assert.Contains(t, w.Body.String(), "ありません")
}

func TestCommand_RoomWatch(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	w := env.command(t, `room-watch <#C999|room> "Room【roomid】"`)
	assert.Contains(t, w.Body.String(), "<#C999>")

	rule, err := env.store.FindRoomWatchRule(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "C999", rule.TargetChannelID)
	assert.Equal(t, "Room【roomid】", rule.NameFormat)

	w = env.command(t, `room-watch <#C999|room> "Room"`)
	assert.Contains(t, w.Body.String(), "入力が正しくありません")

	env.command(t, "room-watch off")
	rule, err = env.store.FindRoomWatchRule(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestCommand_RangeDelete(t *testing.T) {
	env := setupTestEnv(t)
	env.effector.messages = []services.ChannelMessage{
		{ID: "m1"}, {ID: "m2"}, {ID: "m3", HasReactions: true}, {ID: "m4"}, {ID: "m5"},
	}

	w := env.command(t, "range-delete")
	assert.Contains(t, w.Body.String(), "選択してください")
	assert.Empty(t, env.effector.Calls())

	env.shortcut(t, CallbackRangeStart, "m4", "")
	env.shortcut(t, CallbackRangeEnd, "m2", "")

	w = env.command(t, "range-delete reaction")
	assert.Contains(t, w.Body.String(), "2 件削除しました（権限エラー 0 件）")
	assert.Contains(t, w.Body.String(), "保護されたメッセージ: 1 件")
	assert.Equal(t, []string{"list C1", "delete C1 m2", "delete C1 m4"}, env.effector.Calls())

	// マーカーは実行後に消える
	w = env.command(t, "range-delete")
	assert.Contains(t, w.Body.String(), "選択してください")
}

func TestFormatRangeResult(t *testing.T) {
	tests := []struct {
		name     string
		result   services.RangeResult
		contains []string
		excludes []string
	}{
		{
			name:     "完了",
			result:   services.RangeResult{Selected: 4, Deleted: 3, PermissionDenied: 1},
			contains: []string{"3 件削除しました（権限エラー 1 件）"},
			excludes: []string{"未処理"},
		},
		{
			name:     "時間切れ",
			result:   services.RangeResult{Selected: 10, Deleted: 4, Protected: 1, Remaining: 5},
			contains: []string{"4 件削除しました", "保護されたメッセージ: 1 件", "5 件は未処理", "range-delete"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := formatRangeResult(tt.result)
			for _, s := range tt.contains {
				assert.Contains(t, msg, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, msg, s)
			}
		})
	}
}

func TestDeps_Timeouts(t *testing.T) {
	d := &Deps{}
	assert.Equal(t, 30*time.Second, d.eventTimeout())
	assert.Equal(t, 15*time.Minute, d.rangeTimeout(), "範囲削除はイベントより長いタイムアウトを使う")

	d.RangeTimeout = time.Hour
	assert.Equal(t, time.Hour, d.rangeTimeout())
}
