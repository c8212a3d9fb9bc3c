package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"slack-channel-automator/services"
)

// メッセージショートカットの callback_id
const (
	CallbackRangeStart = "range_start"
	CallbackRangeEnd   = "range_end"
)

// HandleSlackAction はメッセージショートカットで範囲削除の開始・終了を記録する
func HandleSlackAction(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := readVerifiedBody(c, d.SigningSecret); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid slack signature"})
			return
		}

		payloadStr := strings.TrimSpace(c.PostForm("payload"))

		var payload slack.InteractionCallback
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		if payload.Type != slack.InteractionTypeMessageAction {
			log.Debug().Str("type", string(payload.Type)).Msg("ignored slack interaction")
			c.Status(http.StatusOK)
			return
		}

		key := services.MarkerKey{
			TeamID:    payload.Team.ID,
			ChannelID: payload.Channel.ID,
			UserID:    payload.User.ID,
		}
		messageID := payload.Message.Timestamp

		log.Info().
			Str("callback", payload.CallbackID).
			Str("channel", key.ChannelID).
			Str("user", key.UserID).
			Str("message", messageID).
			Msg("slack shortcut received")

		var ack string
		switch payload.CallbackID {
		case CallbackRangeStart:
			d.Cleaner.Markers().SetStart(key, messageID)
			ack = "範囲削除の開始位置を設定しました。"
		case CallbackRangeEnd:
			d.Cleaner.Markers().SetEnd(key, messageID)
			ack = "範囲削除の終了位置を設定しました。"
		default:
			c.Status(http.StatusOK)
			return
		}

		if markers, _ := d.Cleaner.Markers().Get(key); markers.Complete() {
			ack += "\n`/automate range-delete` で削除を実行できます。"
		}

		responseURL := payload.ResponseURL
		d.runBackground("shortcut-ack", d.eventTimeout(), func(ctx context.Context) {
			d.respond(ctx, responseURL, ack)
		})

		c.Status(http.StatusOK)
	}
}
