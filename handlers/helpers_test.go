package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"issue-assign-bot/config"
	"issue-assign-bot/models"
	"issue-assign-bot/services"
)

const testAdminToken = "admin-token"

var testRepo = models.RepoRef{Owner: "test", Name: "repo"}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := services.OpenStore(":memory:", services.NopLogger{})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}

	// マイグレーションを実行
	if err := services.Migrate(db); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}

	return db
}

// stubTracker は呼び出しを記録するだけのトラッカー
type stubTracker struct {
	mu        sync.Mutex
	calls     []string
	assignees map[int][]string
}

func newStubTracker() *stubTracker {
	return &stubTracker{assignees: make(map[int][]string)}
}

func (s *stubTracker) record(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *stubTracker) has(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (s *stubTracker) GetIssue(ctx context.Context, repo models.RepoRef, number int) (*services.Issue, error) {
	s.record("get %d", number)
	s.mu.Lock()
	defer s.mu.Unlock()
	return &services.Issue{Number: number, State: "open", Assignees: s.assignees[number]}, nil
}

func (s *stubTracker) AddAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	s.record("add %d %s", number, user)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignees[number] = append(s.assignees[number], user)
	return nil
}

func (s *stubTracker) RemoveAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	s.record("remove %d %s", number, user)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignees, number)
	return nil
}

func (s *stubTracker) ListComments(ctx context.Context, repo models.RepoRef, number int) ([]services.Comment, error) {
	s.record("list %d", number)
	return nil, nil
}

func (s *stubTracker) CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) error {
	s.record("comment %d %s", number, body)
	return nil
}

type testServer struct {
	db      *gorm.DB
	bot     *services.Bot
	tracker *stubTracker
	router  *gin.Engine
}

func newTestServer(t *testing.T, webhookSecret, slackSecret string) *testServer {
	gin.SetMode(gin.TestMode)

	db := setupTestDB(t)
	tracker := newStubTracker()
	policy := config.DefaultPolicy()
	policy.Maintainers = []string{"maintainer1"}

	reg := prometheus.NewRegistry()
	bot := services.NewBot(services.Deps{
		DB:      db,
		Tracker: tracker,
		Metrics: services.NewPrometheusMetrics(reg, ""),
		Policy:  policy,
	})

	router := NewRouter(RouterDeps{
		Bot:                bot,
		Mappings:           services.NewUserMappings(db),
		WebhookSecret:      webhookSecret,
		SlackSigningSecret: slackSecret,
		AdminToken:         testAdminToken,
		Gatherer:           reg,
		Logger:             services.NopLogger{},
	})

	return &testServer{db: db, bot: bot, tracker: tracker, router: router}
}

func (s *testServer) postEvent(t *testing.T, event string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("fail to marshal payload: %v", err)
	}

	req, _ := http.NewRequest("POST", "/webhook", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}
