package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"issue-assign-bot/config"
	"issue-assign-bot/models"
)

var testRepo = models.RepoRef{Owner: "owner", Name: "repo"}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := OpenStore(":memory:", NopLogger{})
	if err != nil {
		t.Fatalf("fail to open test db: %v", err)
	}

	// マイグレーションを実行
	if err := Migrate(db); err != nil {
		t.Fatalf("fail to migrate test db: %v", err)
	}

	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type issueKey struct {
	repo   models.RepoRef
	number int
}

// fakeTracker はメモリ上の issue トラッカー
type fakeTracker struct {
	mu       sync.Mutex
	issues   map[issueKey]*Issue
	comments map[issueKey][]Comment
	calls    []string

	// getErr は issue ごとの GetIssue のエラー
	getErr map[issueKey]error
	// addErr, removeErr, commentErr が nil でなければ全呼び出しで返す
	addErr     error
	removeErr  error
	commentErr error
	// removeFailures 回だけ RemoveAssignee を失敗させる
	removeFailures int
	// getHook は GetIssue の前に呼ばれる
	getHook func()
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		issues:   make(map[issueKey]*Issue),
		comments: make(map[issueKey][]Comment),
		getErr:   make(map[issueKey]error),
	}
}

var _ Tracker = (*fakeTracker)(nil)

func (f *fakeTracker) addIssue(repo models.RepoRef, number int, labels ...string) *Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := &Issue{Number: number, State: "open", Labels: labels}
	f.issues[issueKey{repo, number}] = issue
	return issue
}

func (f *fakeTracker) setAssignees(repo models.RepoRef, number int, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[issueKey{repo, number}].Assignees = users
}

func (f *fakeTracker) closeIssue(repo models.RepoRef, number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[issueKey{repo, number}].State = "closed"
}

func (f *fakeTracker) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeTracker) GetIssue(ctx context.Context, repo models.RepoRef, number int) (*Issue, error) {
	if f.getHook != nil {
		f.getHook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get %s#%d", repo.FullName(), number)

	key := issueKey{repo, number}
	if err := f.getErr[key]; err != nil {
		return nil, err
	}
	issue, ok := f.issues[key]
	if !ok {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo.FullName(), number, ErrNotFound)
	}
	cp := *issue
	cp.Assignees = append([]string(nil), issue.Assignees...)
	return &cp, nil
}

func (f *fakeTracker) AddAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add %s#%d %s", repo.FullName(), number, user)

	if f.addErr != nil {
		return f.addErr
	}
	issue, ok := f.issues[issueKey{repo, number}]
	if !ok {
		return fmt.Errorf("add assignee %s#%d: %w", repo.FullName(), number, ErrNotFound)
	}
	if !issue.HasAssignee(user) {
		issue.Assignees = append(issue.Assignees, user)
	}
	return nil
}

func (f *fakeTracker) RemoveAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s#%d %s", repo.FullName(), number, user)

	if f.removeErr != nil {
		return f.removeErr
	}
	if f.removeFailures > 0 {
		f.removeFailures--
		return fmt.Errorf("remove assignee: %w", ErrTransient)
	}
	issue, ok := f.issues[issueKey{repo, number}]
	if !ok {
		return fmt.Errorf("remove assignee %s#%d: %w", repo.FullName(), number, ErrNotFound)
	}
	kept := issue.Assignees[:0]
	for _, a := range issue.Assignees {
		if !strings.EqualFold(a, user) {
			kept = append(kept, a)
		}
	}
	issue.Assignees = kept
	return nil
}

func (f *fakeTracker) ListComments(ctx context.Context, repo models.RepoRef, number int) ([]Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list %s#%d", repo.FullName(), number)
	return append([]Comment(nil), f.comments[issueKey{repo, number}]...), nil
}

func (f *fakeTracker) CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("comment %s#%d", repo.FullName(), number)

	if f.commentErr != nil {
		return f.commentErr
	}
	key := issueKey{repo, number}
	f.comments[key] = append(f.comments[key], Comment{ID: int64(len(f.comments[key]) + 1), User: "assign-bot", Body: body})
	return nil
}

func (f *fakeTracker) commentsOn(repo models.RepoRef, number int) []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Comment(nil), f.comments[issueKey{repo, number}]...)
}

// countCalls は prefix で始まる呼び出しの回数を返す
func (f *fakeTracker) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.Maintainers = []string{"maintainer1"}
	return p
}

type testEnv struct {
	db      *gorm.DB
	bot     *Bot
	tracker *fakeTracker
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithPolicy(t, testPolicy())
}

func newTestEnvWithPolicy(t *testing.T, policy config.Policy) *testEnv {
	db := setupTestDB(t)
	tracker := newFakeTracker()
	clock := newFakeClock()

	bot := NewBot(Deps{
		DB:      db,
		Tracker: tracker,
		Policy:  policy,
	})
	bot.SetClock(clock.Now)
	// ジッターなし
	bot.Queue.jitter = func(n int64) int64 { return 0 }

	return &testEnv{db: db, bot: bot, tracker: tracker, clock: clock}
}

// seedAssignments は user に n 件のアサインを作る (issue 番号は from から)
func (e *testEnv) seedAssignments(t *testing.T, user string, from, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		number := from + i
		e.tracker.addIssue(testRepo, number)
		e.tracker.setAssignees(testRepo, number, user)
		if _, err := e.bot.Ledger.Add(context.Background(), testRepo, number, user, e.clock.Now().Add(3*time.Hour)); err != nil {
			t.Fatalf("fail to seed assignment: %v", err)
		}
	}
}

func (e *testEnv) queueEntries(t *testing.T, user string) []models.QueueEntry {
	t.Helper()
	entries, err := e.bot.Queue.Entries(context.Background(), user)
	if err != nil {
		t.Fatalf("fail to list queue: %v", err)
	}
	return entries
}
