package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"slack-channel-automator/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}

	// :memory: は接続ごとに別DBになるため1接続に固定
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("fail to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}
	return db
}

type effectorCall struct {
	Op        string
	ChannelID string
	MessageID string
	Value     string
}

// fakeEffector は呼び出しを記録するテスト用の Effector
type fakeEffector struct {
	mu    sync.Mutex
	calls []effectorCall
	seq   int

	messages map[string][]ChannelMessage

	sendErr     error
	deleteErr   map[string]error   // MessageID ごとの Delete の結果
	deleteQueue map[string][]error // 先頭から1回ずつ使い、空になったら deleteErr を使う
	deleteHook  func(messageID string)
	renameErr error
	reactErr  error
	grantErr  error
	listErr   error
}

func newFakeEffector() *fakeEffector {
	return &fakeEffector{
		messages:    make(map[string][]ChannelMessage),
		deleteErr:   make(map[string]error),
		deleteQueue: make(map[string][]error),
	}
}

func (f *fakeEffector) record(call effectorCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEffector) callsOf(op string) []effectorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []effectorCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeEffector) Send(ctx context.Context, channelID string, msg OutboundMessage) (string, error) {
	f.record(effectorCall{Op: "send", ChannelID: channelID, Value: msg.Content})
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("1700000000.%06d", f.seq)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeEffector) Delete(ctx context.Context, channelID, messageID string) error {
	f.record(effectorCall{Op: "delete", ChannelID: channelID, MessageID: messageID})
	if f.deleteHook != nil {
		f.deleteHook(messageID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.deleteQueue[messageID]; len(q) > 0 {
		f.deleteQueue[messageID] = q[1:]
		return q[0]
	}
	return f.deleteErr[messageID]
}

func (f *fakeEffector) Rename(ctx context.Context, channelID, name string) error {
	f.record(effectorCall{Op: "rename", ChannelID: channelID, Value: name})
	return f.renameErr
}

func (f *fakeEffector) React(ctx context.Context, channelID, messageID, marker string) error {
	f.record(effectorCall{Op: "react", ChannelID: channelID, MessageID: messageID, Value: marker})
	return f.reactErr
}

func (f *fakeEffector) Grant(ctx context.Context, userID, groupID string) error {
	f.record(effectorCall{Op: "grant", Value: userID + ":" + groupID})
	return f.grantErr
}

func (f *fakeEffector) Revoke(ctx context.Context, userID, groupID string) error {
	f.record(effectorCall{Op: "revoke", Value: userID + ":" + groupID})
	return nil
}

func (f *fakeEffector) ListMessages(ctx context.Context, channelID string, query HistoryQuery) ([]ChannelMessage, error) {
	f.record(effectorCall{Op: "list", ChannelID: channelID})
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var msgs []ChannelMessage
	for _, m := range f.messages[channelID] {
		if !query.Before.IsZero() && !m.PostedAt.Before(query.Before) {
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > query.Limit {
		msgs = msgs[len(msgs)-query.Limit:]
	}
	return msgs, nil
}

// faultyStore は GormStore の一部のメソッドを失敗させる
type faultyStore struct {
	*GormStore

	mu                 sync.Mutex
	failUpsertDeletion bool
	failListSends      int // 残り失敗回数
	failListDue        int
}

func diskError(op string) error {
	return &StoreError{Op: op, Err: errors.New("disk I/O error")}
}

func (s *faultyStore) UpsertScheduledDeletion(ctx context.Context, deletion *models.ScheduledDeletion) error {
	if s.failUpsertDeletion {
		return diskError("upsert scheduled deletion")
	}
	return s.GormStore.UpsertScheduledDeletion(ctx, deletion)
}

func (s *faultyStore) ListScheduledSendsAt(ctx context.Context, hhmm string) ([]models.ScheduledSend, error) {
	s.mu.Lock()
	if s.failListSends > 0 {
		s.failListSends--
		s.mu.Unlock()
		return nil, diskError("list scheduled sends")
	}
	s.mu.Unlock()
	return s.GormStore.ListScheduledSendsAt(ctx, hhmm)
}

func (s *faultyStore) ListDueDeletions(ctx context.Context, before time.Time) ([]models.ScheduledDeletion, error) {
	s.mu.Lock()
	if s.failListDue > 0 {
		s.failListDue--
		s.mu.Unlock()
		return nil, diskError("list due deletions")
	}
	s.mu.Unlock()
	return s.GormStore.ListDueDeletions(ctx, before)
}
