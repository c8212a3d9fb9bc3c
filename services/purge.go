package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"slack-channel-automator/models"
)

// Purger は CleanupRule に従って古いメッセージを削除する
type Purger struct {
	store        Store
	effector     Effector
	historyLimit int
	now          func() time.Time
}

func NewPurger(store Store, effector Effector, historyLimit int) *Purger {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Purger{
		store:        store,
		effector:     effector,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Run は全ルールを処理する。1チャンネルの失敗で他のチャンネルは止めない
func (p *Purger) Run(ctx context.Context) (RangeResult, error) {
	var total RangeResult

	rules, err := p.store.ListCleanupRules(ctx)
	if err != nil {
		return total, err
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}

		result, err := p.PurgeChannel(ctx, rule)
		if err != nil {
			log.Error().Err(err).Str("channel", rule.ChannelID).Msg("channel purge failed")
			continue
		}
		total.Selected += result.Selected
		total.Deleted += result.Deleted
		total.Protected += result.Protected
		total.PermissionDenied += result.PermissionDenied
		total.Failed += result.Failed
		total.Remaining += result.Remaining
	}

	if total.Deleted > 0 {
		log.Info().Int("deleted", total.Deleted).Int("rules", len(rules)).Msg("purge pass finished")
	}
	return total, nil
}

// PurgeChannel は1チャンネル分、AgeDays より古く保護対象でないメッセージを削除する。
// ピン留めされたメッセージは常に残す
func (p *Purger) PurgeChannel(ctx context.Context, rule models.CleanupRule) (RangeResult, error) {
	var result RangeResult

	mode, err := ParseProtectionMode(rule.Protection)
	if err != nil {
		return result, err
	}
	if rule.AgeDays <= 0 {
		return result, &ValidationError{Field: "days", Message: "age threshold must be positive"}
	}

	// 古いメッセージは履歴の末尾にあるので cutoff より前だけを取得する
	cutoff := p.now().AddDate(0, 0, -rule.AgeDays)
	messages, err := p.effector.ListMessages(ctx, rule.ChannelID, HistoryQuery{Limit: p.historyLimit, Before: cutoff})
	if err != nil {
		return result, errors.Wrapf(err, "failed to list messages channel=%s", rule.ChannelID)
	}

	expired := make([]ChannelMessage, 0, len(messages))
	for _, m := range messages {
		if m.Pinned || !m.PostedAt.Before(cutoff) {
			continue
		}
		expired = append(expired, m)
	}
	result.Selected = len(expired)

	deleteMessages(ctx, p.effector, rule.ChannelID, expired, mode, &result)
	return result, nil
}
