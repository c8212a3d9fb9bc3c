package services

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-channel-automator/models"
)

func TestActionExecutor_Send(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormStore(db)
	effector := newFakeEffector()
	executor := NewActionExecutor(store, effector)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	executor.now = func() time.Time { return now }
	ctx := context.Background()

	oneShot := &models.ScheduledSend{ChannelID: "C1", Content: "一度だけ", TimeOfDay: "0900"}
	require.NoError(t, store.CreateScheduledSend(ctx, oneShot))

	err := executor.Execute(ctx, Action{
		Kind:         ActionSend,
		ChannelID:    "C1",
		Message:      OutboundMessage{Content: "一度だけ"},
		SourceSendID: oneShot.ID,
		OneShot:      true,
		ExpireAfter:  5 * time.Minute,
	})
	require.NoError(t, err)

	sends := effector.callsOf("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "C1", sends[0].ChannelID)

	// ワンショットは投稿後に削除される
	remaining, err := store.ListScheduledSendsAt(ctx, "0900")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// 投稿したメッセージの削除が予約される
	due, err := store.ListDueDeletions(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "C1", due[0].ChannelID)
	assert.Equal(t, "1700000000.000001", due[0].MessageID)
}

func TestActionExecutor_SendFailureKeepsSource(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormStore(db)
	effector := newFakeEffector()
	effector.sendErr = &TransientError{Op: "chat.postMessage", Err: errors.New("timeout")}
	executor := NewActionExecutor(store, effector)
	ctx := context.Background()

	send := &models.ScheduledSend{ChannelID: "C1", Content: "x", TimeOfDay: "0900"}
	require.NoError(t, store.CreateScheduledSend(ctx, send))

	err := executor.Execute(ctx, Action{Kind: ActionSend, ChannelID: "C1", Message: OutboundMessage{Content: "x"}, SourceSendID: send.ID, OneShot: true})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	remaining, err := store.ListScheduledSendsAt(ctx, "0900")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestActionExecutor_Delete(t *testing.T) {
	tests := []struct {
		name        string
		deleteErr   error
		wantErr     bool
		wantRemoved bool
	}{
		{name: "削除成功", deleteErr: nil, wantRemoved: true},
		{name: "既に削除済み", deleteErr: errors.Wrap(ErrNotFound, "message_not_found"), wantRemoved: true},
		{name: "権限エラーは諦める", deleteErr: errors.Wrap(ErrPermissionDenied, "cant_delete_message"), wantRemoved: true},
		{name: "一時的な失敗は残す", deleteErr: &TransientError{Op: "chat.delete", Err: errors.New("rate limited"), RetryAfter: time.Second}, wantErr: true, wantRemoved: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			store := NewGormStore(db)
			effector := newFakeEffector()
			effector.deleteErr["111.1"] = tt.deleteErr
			executor := NewActionExecutor(store, effector)
			ctx := context.Background()
			due := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

			require.NoError(t, store.UpsertScheduledDeletion(ctx, &models.ScheduledDeletion{MessageID: "111.1", ChannelID: "C1", DueAt: due}))

			err := executor.Execute(ctx, Action{Kind: ActionDelete, ChannelID: "C1", MessageID: "111.1"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			rows, err := store.ListDueDeletions(ctx, due)
			require.NoError(t, err)
			if tt.wantRemoved {
				assert.Empty(t, rows)
			} else {
				assert.Len(t, rows, 1)
			}
		})
	}
}

func TestActionExecutor_TransientThenSuccess(t *testing.T) {
	db := setupTestDB(t)
	store := NewGormStore(db)
	effector := newFakeEffector()
	executor := NewActionExecutor(store, effector)
	ctx := context.Background()
	due := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertScheduledDeletion(ctx, &models.ScheduledDeletion{MessageID: "111.1", ChannelID: "C1", DueAt: due}))

	effector.deleteErr["111.1"] = &TransientError{Op: "chat.delete", Err: errors.New("503")}
	assert.Error(t, executor.Execute(ctx, Action{Kind: ActionDelete, ChannelID: "C1", MessageID: "111.1"}))

	effector.deleteErr["111.1"] = nil
	assert.NoError(t, executor.Execute(ctx, Action{Kind: ActionDelete, ChannelID: "C1", MessageID: "111.1"}))

	rows, err := store.ListDueDeletions(ctx, due)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Len(t, effector.callsOf("delete"), 2)
}

func TestActionExecutor_UnknownKind(t *testing.T) {
	executor := NewActionExecutor(nil, newFakeEffector())
	assert.Error(t, executor.Execute(context.Background(), Action{Kind: "rename"}))
}

func TestActionExecutor_OneShotRemovedWhenExpiryFails(t *testing.T) {
	store := &faultyStore{GormStore: NewGormStore(setupTestDB(t)), failUpsertDeletion: true}
	effector := newFakeEffector()
	executor := NewActionExecutor(store, effector)
	ctx := context.Background()

	send := &models.ScheduledSend{ChannelID: "C1", Content: "一度だけ", TimeOfDay: "0900", ExpireMinutes: 5}
	require.NoError(t, store.CreateScheduledSend(ctx, send))

	err := executor.Execute(ctx, Action{
		Kind:         ActionSend,
		ChannelID:    "C1",
		Message:      OutboundMessage{Content: "一度だけ"},
		SourceSendID: send.ID,
		OneShot:      true,
		ExpireAfter:  5 * time.Minute,
	})
	var serr *StoreError
	assert.ErrorAs(t, err, &serr)
	assert.Len(t, effector.callsOf("send"), 1)

	// 削除予約に失敗しても投稿済みのワンショットは残さない
	remaining, err := store.ListScheduledSendsAt(ctx, "0900")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
