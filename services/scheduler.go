package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// 1tick で遡って評価する分数の上限
const maxCatchUpMinutes = 10

// Alarm は設定ファイルで定義する毎日の定時投稿
type Alarm struct {
	TimeOfDay string // "HHMM"
	ChannelID string
	Message   OutboundMessage
}

// SchedulerOptions はスケジューラの設定
type SchedulerOptions struct {
	Interval time.Duration  // tick間隔（既定1秒）
	Location *time.Location // 時刻を評価するタイムゾーン
	Alarms   []Alarm
	PurgeAt  string  // 削除パスを実行する "HHMM"（空なら実行しない）
	Purger   *Purger // nil なら削除パスを実行しない
}

// Scheduler は1本のループで期限の来た投稿・削除を Executor に渡す
type Scheduler struct {
	store    Store
	executor *ActionExecutor
	opts     SchedulerOptions
	now      func() time.Time

	lastMinute time.Time
	// レート制限を受けたらこの時刻まで削除を送らない
	deleteBackoffUntil time.Time
}

func NewScheduler(store Store, executor *ActionExecutor, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		opts:     opts,
		now:      time.Now,
	}
}

// Run は ctx がキャンセルされるまで tick を繰り返す
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.opts.Interval).Str("timezone", s.opts.Location.String()).
		Int("alarms", len(s.opts.Alarms)).Msg("scheduler started")

	s.Tick(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick は1回分の評価を行う
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.opts.Location)

	for _, minute := range s.pendingMinutes(now) {
		if ctx.Err() != nil {
			return
		}
		if !s.runMinute(ctx, minute) {
			// 取得に失敗した分は次の tick でもう一度評価する
			s.lastMinute = minute.Add(-time.Minute)
			break
		}
	}

	s.runDueDeletions(ctx, now)
}

// pendingMinutes は前回評価した分の次から現在の分までを返す。
// 同じ分を2回返さないことで定時投稿の二重送信を防ぐ
func (s *Scheduler) pendingMinutes(now time.Time) []time.Time {
	current := now.Truncate(time.Minute)

	if s.lastMinute.IsZero() {
		s.lastMinute = current
		return []time.Time{current}
	}
	if !current.After(s.lastMinute) {
		return nil
	}

	from := s.lastMinute.Add(time.Minute)
	if missed := int(current.Sub(from)/time.Minute) + 1; missed > maxCatchUpMinutes {
		log.Warn().Int("missed_minutes", missed).Msg("scheduler fell behind, skipping old minutes")
		from = current.Add(-(maxCatchUpMinutes - 1) * time.Minute)
	}

	var minutes []time.Time
	for m := from; !m.After(current); m = m.Add(time.Minute) {
		minutes = append(minutes, m)
	}
	s.lastMinute = current
	return minutes
}

// runMinute は1分ぶんの定時投稿と削除パスを実行する。
// Store の取得に失敗した場合は何も送らずに false を返す
func (s *Scheduler) runMinute(ctx context.Context, minute time.Time) bool {
	hhmm := minute.In(s.opts.Location).Format("1504")

	sends, err := s.store.ListScheduledSendsAt(ctx, hhmm)
	if err != nil {
		log.Error().Err(err).Str("time", hhmm).Msg("scheduled send scan failed")
		return false
	}

	for _, alarm := range s.opts.Alarms {
		if alarm.TimeOfDay != hhmm {
			continue
		}
		if ctx.Err() != nil {
			return true
		}
		err := s.executor.Execute(ctx, Action{
			Kind:      ActionSend,
			ChannelID: alarm.ChannelID,
			Message:   alarm.Message,
		})
		if err != nil {
			log.Error().Err(err).Str("channel", alarm.ChannelID).Str("time", hhmm).Msg("alarm send failed")
		}
	}

	for _, send := range sends {
		if ctx.Err() != nil {
			return true
		}
		err := s.executor.Execute(ctx, Action{
			Kind:      ActionSend,
			ChannelID: send.ChannelID,
			Message: OutboundMessage{
				Content: send.Content,
				Rich:    send.Rich,
				Title:   send.Title,
			},
			SourceSendID: send.ID,
			OneShot:      !send.Recurring,
			ExpireAfter:  time.Duration(send.ExpireMinutes) * time.Minute,
		})
		if err != nil {
			log.Error().Err(err).Str("id", send.ID).Str("channel", send.ChannelID).Msg("scheduled send failed")
		}
	}

	if s.opts.Purger != nil && s.opts.PurgeAt != "" && s.opts.PurgeAt == hhmm {
		if _, err := s.opts.Purger.Run(ctx); err != nil {
			log.Error().Err(err).Msg("purge pass failed")
		}
	}
	return true
}

func (s *Scheduler) runDueDeletions(ctx context.Context, now time.Time) {
	if now.Before(s.deleteBackoffUntil) {
		return
	}

	deletions, err := s.store.ListDueDeletions(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("due deletion scan failed")
		return
	}

	for _, d := range deletions {
		if ctx.Err() != nil {
			return
		}
		err := s.executor.Execute(ctx, Action{
			Kind:      ActionDelete,
			ChannelID: d.ChannelID,
			MessageID: d.MessageID,
		})
		if err == nil {
			continue
		}
		if wait := RetryAfter(err); wait > 0 {
			s.deleteBackoffUntil = now.Add(wait)
			log.Warn().Err(err).Dur("retry_after", wait).Int("pending", len(deletions)).
				Msg("rate limited, pausing scheduled deletions")
			return
		}
		log.Warn().Err(err).Str("message", d.MessageID).Str("channel", d.ChannelID).Msg("scheduled deletion will be retried")
	}
}
