package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MarkerKey は範囲選択の持ち主（ワークスペース・チャンネル・ユーザー）
type MarkerKey struct {
	TeamID    string
	ChannelID string
	UserID    string
}

// RangeMarkers は範囲削除の開始・終了メッセージ
type RangeMarkers struct {
	StartID string
	EndID   string
}

// Complete は開始と終了が両方選ばれているか
func (m RangeMarkers) Complete() bool {
	return m.StartID != "" && m.EndID != ""
}

// MarkerTable は範囲選択を保持する。永続化しない。
// 有効期限はなく、上書き・Clear・プロセス再起動まで残る
type MarkerTable struct {
	mu      sync.Mutex
	markers map[MarkerKey]RangeMarkers
}

func NewMarkerTable() *MarkerTable {
	return &MarkerTable{markers: make(map[MarkerKey]RangeMarkers)}
}

func (t *MarkerTable) SetStart(key MarkerKey, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.markers[key]
	m.StartID = messageID
	t.markers[key] = m
}

func (t *MarkerTable) SetEnd(key MarkerKey, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.markers[key]
	m.EndID = messageID
	t.markers[key] = m
}

func (t *MarkerTable) Get(key MarkerKey) (RangeMarkers, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.markers[key]
	return m, ok
}

func (t *MarkerTable) Clear(key MarkerKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.markers, key)
}

// RangeResult は削除処理の集計
type RangeResult struct {
	Selected         int
	Deleted          int
	Protected        int
	PermissionDenied int
	Failed           int
	Remaining        int // タイムアウトやキャンセルで試行しなかった件数
}

// Interrupted は途中で打ち切られたか
func (r RangeResult) Interrupted() bool {
	return r.Remaining > 0
}

// レート制限を受けた1件を待って再試行する回数の上限
const maxRateLimitRetries = 3

// RangeCleaner は選択された範囲のメッセージを保護ルールに従って削除する
type RangeCleaner struct {
	effector     Effector
	markers      *MarkerTable
	historyLimit int
}

func NewRangeCleaner(effector Effector, markers *MarkerTable, historyLimit int) *RangeCleaner {
	if historyLimit <= 0 {
		historyLimit = 500
	}
	return &RangeCleaner{
		effector:     effector,
		markers:      markers,
		historyLimit: historyLimit,
	}
}

func (c *RangeCleaner) Markers() *MarkerTable {
	return c.markers
}

// Execute は key の開始〜終了（両端含む、順不同）を削除し、終わったらマーカーを消す
func (c *RangeCleaner) Execute(ctx context.Context, key MarkerKey, mode ProtectionMode) (RangeResult, error) {
	var result RangeResult

	markers, ok := c.markers.Get(key)
	if !ok || !markers.Complete() {
		return result, ErrRangeNotSelected
	}

	messages, err := c.effector.ListMessages(ctx, key.ChannelID, HistoryQuery{Limit: c.historyLimit})
	if err != nil {
		return result, errors.Wrapf(err, "failed to list messages channel=%s", key.ChannelID)
	}

	selected, err := SelectRange(messages, markers.StartID, markers.EndID)
	if err != nil {
		return result, err
	}
	result.Selected = len(selected)

	deleteMessages(ctx, c.effector, key.ChannelID, selected, mode, &result)

	if result.Interrupted() {
		// 残りの範囲だけを選び直しておき、再実行で続きから削除できるようにする
		rest := selected[len(selected)-result.Remaining:]
		c.markers.SetStart(key, rest[0].ID)
		c.markers.SetEnd(key, rest[len(rest)-1].ID)
		log.Warn().
			Str("channel", key.ChannelID).
			Str("user", key.UserID).
			Int("deleted", result.Deleted).
			Int("remaining", result.Remaining).
			Msg("range delete interrupted, markers kept for the rest")
		return result, nil
	}

	c.markers.Clear(key)

	log.Info().
		Str("team", key.TeamID).
		Str("channel", key.ChannelID).
		Str("user", key.UserID).
		Int("deleted", result.Deleted).
		Int("protected", result.Protected).
		Int("permission_denied", result.PermissionDenied).
		Int("failed", result.Failed).
		Msg("range delete finished")
	return result, nil
}

// SelectRange は古い順の messages から startID と endID の間（両端含む）を返す
func SelectRange(messages []ChannelMessage, startID, endID string) ([]ChannelMessage, error) {
	startIdx, endIdx := -1, -1
	for i, m := range messages {
		if m.ID == startID {
			startIdx = i
		}
		if m.ID == endID {
			endIdx = i
		}
	}
	if startIdx < 0 || endIdx < 0 {
		return nil, ErrMarkerNotFound
	}
	if startIdx > endIdx {
		startIdx, endIdx = endIdx, startIdx
	}
	return messages[startIdx : endIdx+1], nil
}

// deleteMessages は1件ずつ削除し、個々の失敗はスキップして集計する。
// ctx が終わったら残りを Remaining に数えて戻る
func deleteMessages(ctx context.Context, effector Effector, channelID string, messages []ChannelMessage, mode ProtectionMode, result *RangeResult) {
	for i, m := range messages {
		if ctx.Err() != nil {
			result.Remaining = len(messages) - i
			return
		}
		if mode.Protects(m) {
			result.Protected++
			continue
		}

		err := deleteWithRateLimit(ctx, effector, channelID, m.ID)
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
			result.Deleted++
		case errors.Is(err, ErrPermissionDenied):
			result.PermissionDenied++
		case ctx.Err() != nil:
			result.Remaining = len(messages) - i
			return
		default:
			result.Failed++
			log.Warn().Err(err).Str("channel", channelID).Str("message", m.ID).Msg("message delete failed")
		}
	}
}

// deleteWithRateLimit はレート制限を受けたら RetryAfter だけ待って同じメッセージを再試行する
func deleteWithRateLimit(ctx context.Context, effector Effector, channelID, messageID string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = effector.Delete(ctx, channelID, messageID)
		wait := RetryAfter(err)
		if wait <= 0 || attempt >= maxRateLimitRetries {
			return err
		}

		log.Debug().Dur("retry_after", wait).Str("message", messageID).Msg("rate limited, waiting before retry")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
