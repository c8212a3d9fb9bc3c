package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"slack-channel-automator/services"
)

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// recordingEffector は呼び出しを記録するだけの Effector
type recordingEffector struct {
	mu       sync.Mutex
	calls    []string
	messages []services.ChannelMessage
	seq      int
}

func (r *recordingEffector) record(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recordingEffector) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingEffector) Send(ctx context.Context, channelID string, msg services.OutboundMessage) (string, error) {
	r.record("send %s %s", channelID, msg.Content)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("1714554000.%06d", r.seq), nil
}

func (r *recordingEffector) Delete(ctx context.Context, channelID, messageID string) error {
	r.record("delete %s %s", channelID, messageID)
	return nil
}

func (r *recordingEffector) Rename(ctx context.Context, channelID, name string) error {
	r.record("rename %s %s", channelID, name)
	return nil
}

func (r *recordingEffector) React(ctx context.Context, channelID, messageID, marker string) error {
	r.record("react %s %s %s", channelID, messageID, marker)
	return nil
}

func (r *recordingEffector) Grant(ctx context.Context, userID, groupID string) error {
	r.record("grant %s %s", userID, groupID)
	return nil
}

func (r *recordingEffector) Revoke(ctx context.Context, userID, groupID string) error {
	r.record("revoke %s %s", userID, groupID)
	return nil
}

func (r *recordingEffector) ListMessages(ctx context.Context, channelID string, query services.HistoryQuery) ([]services.ChannelMessage, error) {
	r.record("list %s", channelID)
	return r.messages, nil
}

type testEnv struct {
	db       *gorm.DB
	store    *services.GormStore
	effector *recordingEffector
	deps     *Deps
	router   *gin.Engine
}

func setupTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	services.IsTestMode = true
	t.Cleanup(func() { services.IsTestMode = false })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("fail to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := services.Migrate(db); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}

	store := services.NewGormStore(db)
	effector := &recordingEffector{}
	deps := &Deps{
		Store:    store,
		Effector: effector,
		Executor: services.NewActionExecutor(store, effector),
		Matcher:  services.NewTriggerMatcher(store, effector, ""),
		Cleaner:  services.NewRangeCleaner(effector, services.NewMarkerTable(), 0),
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
	}

	return &testEnv{
		db:       db,
		store:    store,
		effector: effector,
		deps:     deps,
		router:   NewRouter(deps),
	}
}

// command は /automate を実行してレスポンスを返す
func (e *testEnv) command(t *testing.T, text string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("command", "/automate")
	form.Set("text", text)
	form.Set("team_id", "T1")
	form.Set("channel_id", "C1")
	form.Set("user_id", "U1")

	req := httptest.NewRequest(http.MethodPost, "/slack/command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) event(t *testing.T, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) shortcut(t *testing.T, callbackID, messageTS, responseURL string) *httptest.ResponseRecorder {
	payload := fmt.Sprintf(`{"type":"message_action","callback_id":%q,"team":{"id":"T1"},"channel":{"id":"C1"},"user":{"id":"U1"},"message":{"type":"message","ts":%q},"response_url":%q}`,
		callbackID, messageTS, responseURL)
	form := url.Values{}
	form.Set("payload", payload)

	req := httptest.NewRequest(http.MethodPost, "/slack/action", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func markerKeyForTest() services.MarkerKey {
	return services.MarkerKey{TeamID: "T1", ChannelID: "C1", UserID: "U1"}
}
