package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack/slackevents"

	"slack-channel-automator/services"
)

// Slackイベントを処理するハンドラ
func HandleSlackEvents(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readVerifiedBody(c, d.SigningSecret)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid slack signature"})
			return
		}

		// トークン検証は署名検証で代替する
		event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
		if err != nil {
			log.Warn().Err(err).Msg("failed to parse slack event")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		// URL検証チャレンジへの応答
		if event.Type == slackevents.URLVerification {
			var challenge slackevents.ChallengeResponse
			if err := json.Unmarshal(body, &challenge); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
				return
			}
			c.String(http.StatusOK, challenge.Challenge)
			return
		}

		if event.Type == slackevents.CallbackEvent {
			dispatchEvent(d, event.TeamID, event.InnerEvent)
		}

		c.Status(http.StatusOK)
	}
}

func dispatchEvent(d *Deps, teamID string, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		// 編集・削除などのサブタイプは対象外
		if ev.SubType != "" && ev.SubType != "bot_message" {
			return
		}
		msg := services.MessageEvent{
			TeamID:    teamID,
			ChannelID: ev.Channel,
			UserID:    ev.User,
			MessageID: ev.TimeStamp,
			Text:      ev.Text,
			FromBot:   ev.BotID != "" || ev.SubType == "bot_message",
		}
		d.runBackground("message", d.eventTimeout(), func(ctx context.Context) {
			if err := d.Matcher.HandleMessage(ctx, msg); err != nil {
				log.Error().Err(err).Str("channel", msg.ChannelID).Str("message", msg.MessageID).Msg("message trigger failed")
			}
		})

	case *slackevents.ReactionAddedEvent:
		handleReaction(d, services.ReactionEvent{
			TeamID:    teamID,
			ChannelID: ev.Item.Channel,
			MessageID: ev.Item.Timestamp,
			UserID:    ev.User,
			Reaction:  ev.Reaction,
			Added:     true,
		})

	case *slackevents.ReactionRemovedEvent:
		handleReaction(d, services.ReactionEvent{
			TeamID:    teamID,
			ChannelID: ev.Item.Channel,
			MessageID: ev.Item.Timestamp,
			UserID:    ev.User,
			Reaction:  ev.Reaction,
			Added:     false,
		})

	default:
		log.Debug().Str("type", inner.Type).Msg("ignored slack event")
	}
}

func handleReaction(d *Deps, ev services.ReactionEvent) {
	d.runBackground("reaction", d.eventTimeout(), func(ctx context.Context) {
		if err := d.Matcher.HandleReaction(ctx, ev); err != nil {
			log.Error().Err(err).Str("message", ev.MessageID).Str("reaction", ev.Reaction).Bool("added", ev.Added).Msg("reaction trigger failed")
		}
	})
}
