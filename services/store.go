package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"slack-channel-automator/models"
)

// Store はスケジュールとルールの永続化層
type Store interface {
	CreateScheduledSend(ctx context.Context, send *models.ScheduledSend) error
	ListScheduledSendsByTeam(ctx context.Context, teamID string) ([]models.ScheduledSend, error)
	ListScheduledSendsAt(ctx context.Context, hhmm string) ([]models.ScheduledSend, error)
	DeleteScheduledSend(ctx context.Context, id string) error

	UpsertScheduledDeletion(ctx context.Context, deletion *models.ScheduledDeletion) error
	ListDueDeletions(ctx context.Context, before time.Time) ([]models.ScheduledDeletion, error)
	DeleteScheduledDeletion(ctx context.Context, channelID, messageID string) error

	UpsertCleanupRule(ctx context.Context, rule *models.CleanupRule) error
	GetCleanupRule(ctx context.Context, channelID string) (*models.CleanupRule, error)
	ListCleanupRules(ctx context.Context) ([]models.CleanupRule, error)
	DeleteCleanupRule(ctx context.Context, channelID string) error

	UpsertReactionRule(ctx context.Context, rule *models.ReactionRule) error
	FindReactionRule(ctx context.Context, channelID, messageID, reactionKey string) (*models.ReactionRule, error)
	ListReactionRules(ctx context.Context, channelID, messageID string) ([]models.ReactionRule, error)
	DeleteReactionRule(ctx context.Context, channelID, messageID, reactionKey string) error

	UpsertRoomWatchRule(ctx context.Context, rule *models.RoomWatchRule) error
	FindRoomWatchRule(ctx context.Context, watchChannelID string) (*models.RoomWatchRule, error)
	DeleteRoomWatchRule(ctx context.Context, watchChannelID string) error
}

// GormStore は gorm で Store を実装する
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate はテーブルを追加的にマイグレーションする（既存テーブルは削除しない）
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return &StoreError{Op: "migrate", Err: errors.Wrap(err, "failed to auto migrate")}
	}
	return nil
}

func storeErr(op string, err error, format string, args ...interface{}) error {
	return &StoreError{Op: op, Err: errors.Wrapf(err, format, args...)}
}

func (s *GormStore) CreateScheduledSend(ctx context.Context, send *models.ScheduledSend) error {
	hhmm, err := NormalizeTimeOfDay(send.TimeOfDay)
	if err != nil {
		return err
	}
	send.TimeOfDay = hhmm
	if send.ID == "" {
		send.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(send).Error; err != nil {
		return storeErr("create scheduled send", err, "failed to create scheduled send for channel=%s", send.ChannelID)
	}
	return nil
}

func (s *GormStore) ListScheduledSendsByTeam(ctx context.Context, teamID string) ([]models.ScheduledSend, error) {
	var sends []models.ScheduledSend
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("time_of_day, created_at").Find(&sends).Error
	if err != nil {
		return nil, storeErr("list scheduled sends", err, "failed to list scheduled sends for team=%s", teamID)
	}
	return sends, nil
}

func (s *GormStore) ListScheduledSendsAt(ctx context.Context, hhmm string) ([]models.ScheduledSend, error) {
	var sends []models.ScheduledSend
	err := s.db.WithContext(ctx).Where("time_of_day = ?", hhmm).Order("created_at").Find(&sends).Error
	if err != nil {
		return nil, storeErr("list scheduled sends", err, "failed to list scheduled sends at %s", hhmm)
	}
	return sends, nil
}

func (s *GormStore) DeleteScheduledSend(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ScheduledSend{}).Error; err != nil {
		return storeErr("delete scheduled send", err, "failed to delete scheduled send id=%s", id)
	}
	return nil
}

func (s *GormStore) UpsertScheduledDeletion(ctx context.Context, deletion *models.ScheduledDeletion) error {
	// sqlite は時刻を文字列で比較するので UTC に揃える
	deletion.DueAt = deletion.DueAt.UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"due_at", "updated_at"}),
	}).Create(deletion).Error
	if err != nil {
		return storeErr("upsert scheduled deletion", err, "failed to upsert scheduled deletion channel=%s message=%s", deletion.ChannelID, deletion.MessageID)
	}
	return nil
}

func (s *GormStore) ListDueDeletions(ctx context.Context, before time.Time) ([]models.ScheduledDeletion, error) {
	var deletions []models.ScheduledDeletion
	err := s.db.WithContext(ctx).Where("due_at <= ?", before.UTC()).Order("due_at").Find(&deletions).Error
	if err != nil {
		return nil, storeErr("list due deletions", err, "failed to list deletions due before %s", before)
	}
	return deletions, nil
}

func (s *GormStore) DeleteScheduledDeletion(ctx context.Context, channelID, messageID string) error {
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		Delete(&models.ScheduledDeletion{}).Error
	if err != nil {
		return storeErr("delete scheduled deletion", err, "failed to delete scheduled deletion channel=%s message=%s", channelID, messageID)
	}
	return nil
}

func (s *GormStore) UpsertCleanupRule(ctx context.Context, rule *models.CleanupRule) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"team_id", "age_days", "protection", "updated_at"}),
	}).Create(rule).Error
	if err != nil {
		return storeErr("upsert cleanup rule", err, "failed to upsert cleanup rule channel=%s", rule.ChannelID)
	}
	return nil
}

func (s *GormStore) GetCleanupRule(ctx context.Context, channelID string) (*models.CleanupRule, error) {
	var rule models.CleanupRule
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get cleanup rule", err, "failed to get cleanup rule channel=%s", channelID)
	}
	return &rule, nil
}

func (s *GormStore) ListCleanupRules(ctx context.Context) ([]models.CleanupRule, error) {
	var rules []models.CleanupRule
	if err := s.db.WithContext(ctx).Order("channel_id").Find(&rules).Error; err != nil {
		return nil, storeErr("list cleanup rules", err, "failed to list cleanup rules")
	}
	return rules, nil
}

func (s *GormStore) DeleteCleanupRule(ctx context.Context, channelID string) error {
	err := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Delete(&models.CleanupRule{}).Error
	if err != nil {
		return storeErr("delete cleanup rule", err, "failed to delete cleanup rule channel=%s", channelID)
	}
	return nil
}

func (s *GormStore) UpsertReactionRule(ctx context.Context, rule *models.ReactionRule) error {
	rule.ReactionKey = CanonicalReactionKey(rule.ReactionKey)
	if rule.ReactionKey == "" {
		return &ValidationError{Field: "reaction", Message: "reaction is empty"}
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "message_id"}, {Name: "reaction_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"team_id", "group_id", "updated_at"}),
	}).Create(rule).Error
	if err != nil {
		return storeErr("upsert reaction rule", err, "failed to upsert reaction rule message=%s reaction=%s", rule.MessageID, rule.ReactionKey)
	}
	return nil
}

func (s *GormStore) FindReactionRule(ctx context.Context, channelID, messageID, reactionKey string) (*models.ReactionRule, error) {
	var rule models.ReactionRule
	key := CanonicalReactionKey(reactionKey)
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND message_id = ? AND reaction_key = ?", channelID, messageID, key).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find reaction rule", err, "failed to find reaction rule message=%s reaction=%s", messageID, key)
	}
	return &rule, nil
}

func (s *GormStore) ListReactionRules(ctx context.Context, channelID, messageID string) ([]models.ReactionRule, error) {
	var rules []models.ReactionRule
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		Order("reaction_key").
		Find(&rules).Error
	if err != nil {
		return nil, storeErr("list reaction rules", err, "failed to list reaction rules message=%s", messageID)
	}
	return rules, nil
}

func (s *GormStore) DeleteReactionRule(ctx context.Context, channelID, messageID, reactionKey string) error {
	key := CanonicalReactionKey(reactionKey)
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND message_id = ? AND reaction_key = ?", channelID, messageID, key).
		Delete(&models.ReactionRule{}).Error
	if err != nil {
		return storeErr("delete reaction rule", err, "failed to delete reaction rule message=%s reaction=%s", messageID, key)
	}
	return nil
}

func (s *GormStore) UpsertRoomWatchRule(ctx context.Context, rule *models.RoomWatchRule) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "watch_channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"team_id", "target_channel_id", "name_format", "updated_at"}),
	}).Create(rule).Error
	if err != nil {
		return storeErr("upsert room watch rule", err, "failed to upsert room watch rule channel=%s", rule.WatchChannelID)
	}
	return nil
}

func (s *GormStore) FindRoomWatchRule(ctx context.Context, watchChannelID string) (*models.RoomWatchRule, error) {
	var rule models.RoomWatchRule
	err := s.db.WithContext(ctx).Where("watch_channel_id = ?", watchChannelID).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find room watch rule", err, "failed to find room watch rule channel=%s", watchChannelID)
	}
	return &rule, nil
}

func (s *GormStore) DeleteRoomWatchRule(ctx context.Context, watchChannelID string) error {
	err := s.db.WithContext(ctx).Where("watch_channel_id = ?", watchChannelID).Delete(&models.RoomWatchRule{}).Error
	if err != nil {
		return storeErr("delete room watch rule", err, "failed to delete room watch rule channel=%s", watchChannelID)
	}
	return nil
}
