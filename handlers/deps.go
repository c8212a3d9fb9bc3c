package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"slack-channel-automator/services"
)

const respondTimeout = 10 * time.Second

// Deps はハンドラが使うコンポーネント
type Deps struct {
	Store    services.Store
	Effector services.Effector
	Executor *services.ActionExecutor
	Matcher  *services.TriggerMatcher
	Cleaner  *services.RangeCleaner

	Location      *time.Location
	SigningSecret string
	// バックグラウンドで処理するイベント1件あたりのタイムアウト
	EventTimeout time.Duration
	// range-delete 1回あたりのタイムアウト
	RangeTimeout time.Duration
	// response_url への送信に使う（nil なら http.DefaultClient）
	HTTPClient *http.Client

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) location() *time.Location {
	if d.Location != nil {
		return d.Location
	}
	return time.Local
}

func (d *Deps) eventTimeout() time.Duration {
	if d.EventTimeout > 0 {
		return d.EventTimeout
	}
	return 30 * time.Second
}

func (d *Deps) rangeTimeout() time.Duration {
	if d.RangeTimeout > 0 {
		return d.RangeTimeout
	}
	return 15 * time.Minute
}

func (d *Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// readVerifiedBody はボディを読み出して復元し、署名シークレットがあれば Slack の署名を検証する
func readVerifiedBody(c *gin.Context, signingSecret string) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed to read request body")
		return nil, false
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

	if signingSecret == "" {
		return body, true
	}

	sv, err := slack.NewSecretsVerifier(c.Request.Header, signingSecret)
	if err != nil {
		log.Warn().Err(err).Msg("missing slack signature headers")
		return nil, false
	}
	if _, err := sv.Write(body); err != nil {
		return nil, false
	}
	if err := sv.Ensure(); err != nil {
		log.Warn().Err(err).Msg("invalid slack signature")
		return nil, false
	}
	return body, true
}

// respond は response_url にエフェメラルなメッセージを送る。
// 呼び出し元の ctx が終わっていても結果は届ける
func (d *Deps) respond(ctx context.Context, responseURL, text string) {
	if responseURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), respondTimeout)
	defer cancel()

	msg := &slack.WebhookMessage{Text: text, ResponseType: "ephemeral"}
	if err := slack.PostWebhookCustomHTTPContext(ctx, responseURL, d.httpClient(), msg); err != nil {
		log.Error().Err(err).Msg("failed to post to response_url")
	}
}

// runBackground はテストモードでは同期、それ以外は独立したタイムアウト付きの goroutine で fn を実行する
func (d *Deps) runBackground(name string, timeout time.Duration, fn func(ctx context.Context)) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("task", name).Msg("background task panicked")
			}
		}()
		fn(ctx)
	}

	if services.IsTestMode {
		run()
		return
	}
	go run()
}
