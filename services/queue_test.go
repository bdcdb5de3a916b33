package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issue-assign-bot/models"
)

func enqueue(t *testing.T, env *testEnv, user string, issue int, d time.Duration) *models.QueueEntry {
	t.Helper()
	entry, err := env.bot.Queue.Enqueue(context.Background(), user, QueuedClaim{Repo: testRepo, Issue: issue, Duration: d})
	require.NoError(t, err)
	// created_at で FIFO を決めるので時刻をずらす
	env.clock.Advance(time.Second)
	return entry
}

func TestQueue_EnqueueDedupes(t *testing.T) {
	env := newTestEnv(t)

	first := enqueue(t, env, "alice", 9, time.Hour)
	second := enqueue(t, env, "alice", 9, 2*time.Hour)
	assert.Equal(t, first.ID, second.ID)

	enqueue(t, env, "bob", 9, time.Hour)

	assert.Len(t, env.queueEntries(t, "alice"), 1)
	assert.Len(t, env.queueEntries(t, "bob"), 1)

	users, err := env.bot.Queue.DistinctUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestQueue_DrainAdmitsInFIFOOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedAssignments(t, "alice", 1, 2)
	for _, n := range []int{10, 11, 12} {
		env.tracker.addIssue(testRepo, n)
		enqueue(t, env, "alice", n, 90*time.Minute)
	}

	result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Admitted: 2}, result)

	count, err := env.bot.Ledger.ActiveCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// 古い 2 件が割り当てられ、最後の 1 件が残る
	for _, n := range []int{10, 11} {
		a, err := env.bot.Ledger.Get(ctx, testRepo, n)
		require.NoError(t, err)
		require.NotNil(t, a, "issue %d", n)
		assert.Equal(t, "alice", a.Assignee)
		assert.True(t, env.clock.Now().Add(90*time.Minute).Equal(a.Deadline))

		comments := env.tracker.commentsOn(testRepo, n)
		require.Len(t, comments, 1)
		assert.Contains(t, comments[0].Body, "auto-assigned")
	}
	entries := env.queueEntries(t, "alice")
	require.Len(t, entries, 1)
	assert.Equal(t, 12, entries[0].IssueNumber)
}

func TestQueue_DrainStopsAtCap(t *testing.T) {
	env := newTestEnv(t)

	env.seedAssignments(t, "alice", 1, 4)
	env.tracker.addIssue(testRepo, 10)
	enqueue(t, env, "alice", 10, time.Hour)

	result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
	assert.Equal(t, DrainResult{}, result)
	assert.Equal(t, 0, env.tracker.countCalls("get "))
	assert.Len(t, env.queueEntries(t, "alice"), 1)
}

func TestQueue_DrainPurgesClosedIssue(t *testing.T) {
	env := newTestEnv(t)

	env.tracker.addIssue(testRepo, 10)
	env.tracker.closeIssue(testRepo, 10)
	enqueue(t, env, "alice", 10, time.Hour)

	result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
	assert.Equal(t, DrainResult{Purged: 1}, result)
	assert.Empty(t, env.queueEntries(t, "alice"))
	assert.Equal(t, 0, env.tracker.countCalls("add "))
}

func TestQueue_DrainPurgesNotFound(t *testing.T) {
	env := newTestEnv(t)

	// トラッカーに存在しない issue
	enqueue(t, env, "alice", 404, time.Hour)

	result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
	assert.Equal(t, DrainResult{Purged: 1}, result)
	assert.Empty(t, env.queueEntries(t, "alice"))
}

func TestQueue_BlockedEntryIsRequeuedWithoutTrackerCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tracker.addIssue(testRepo, 10)
	env.tracker.addIssue(testRepo, 11)
	enqueue(t, env, "alice", 10, time.Hour)
	enqueue(t, env, "alice", 11, time.Hour)

	_, err := env.bot.Blocks.Block(ctx, models.IssueScope(testRepo, 10), "alice", 5*time.Hour)
	require.NoError(t, err)

	result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Admitted: 1, Requeued: 1}, result)

	// ブロック中の issue はトラッカーに問い合わせない
	assert.Equal(t, 0, env.tracker.countCalls("get owner/repo#10"))

	entries := env.queueEntries(t, "alice")
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].IssueNumber)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestQueue_RequeueMovesEntryToBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 上限まで 1 枠だけ空いている
	env.seedAssignments(t, "alice", 1, 3)
	env.tracker.addIssue(testRepo, 10)
	env.tracker.setAssignees(testRepo, 10, "someone")
	env.tracker.addIssue(testRepo, 11)
	enqueue(t, env, "alice", 10, time.Hour)
	enqueue(t, env, "alice", 11, time.Hour)

	result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Admitted: 1, Requeued: 1}, result)

	a, err := env.bot.Ledger.Get(ctx, testRepo, 11)
	require.NoError(t, err)
	require.NotNil(t, a)

	entries := env.queueEntries(t, "alice")
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].IssueNumber)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestQueue_DrainVisitsEachEntryOnce(t *testing.T) {
	env := newTestEnv(t)

	env.tracker.addIssue(testRepo, 10)
	env.tracker.setAssignees(testRepo, 10, "someone")
	enqueue(t, env, "alice", 10, time.Hour)

	result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
	assert.Equal(t, DrainResult{Requeued: 1}, result)
	assert.Equal(t, 1, env.tracker.countCalls("get owner/repo#10"))
}

// 他のユーザーが担当したままの issue は MaxRetries 回まで後ろに回し、その次で削除する
func TestQueue_RetryLimitPurges(t *testing.T) {
	env := newTestEnv(t)

	env.tracker.addIssue(testRepo, 9)
	env.tracker.setAssignees(testRepo, 9, "someone")
	enqueue(t, env, "alice", 9, time.Hour)

	for i := 1; i <= 3; i++ {
		result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
		assert.Equal(t, DrainResult{Requeued: 1}, result, "drain %d", i)

		entries := env.queueEntries(t, "alice")
		require.Len(t, entries, 1)
		assert.Equal(t, i, entries[0].RetryCount)
		assert.LessOrEqual(t, entries[0].RetryCount, 3)
	}

	result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
	assert.Equal(t, DrainResult{Purged: 1}, result)
	assert.Empty(t, env.queueEntries(t, "alice"))
}

func TestQueue_TransientErrorDefers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tracker.addIssue(testRepo, 10)
	entry := enqueue(t, env, "alice", 10, time.Hour)
	env.tracker.getErr[issueKey{testRepo, 10}] = fmt.Errorf("get issue: %w", ErrTransient)

	result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Deferred: 1}, result)

	entries := env.queueEntries(t, "alice")
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, 1, entries[0].FailureCount)
	assert.Equal(t, 0, entries[0].RetryCount)
	require.NotNil(t, entries[0].NextAttemptAt)
	// 1 回目は base の半分 (ジッターなし)
	assert.True(t, env.clock.Now().Add(30*time.Second).Equal(*entries[0].NextAttemptAt))

	// バックオフ中は触らない
	result = env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{}, result)
	assert.Equal(t, 1, env.tracker.countCalls("get "))

	// 復旧後は割り当てられる
	delete(env.tracker.getErr, issueKey{testRepo, 10})
	env.clock.Advance(time.Minute)

	result = env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Admitted: 1}, result)
	assert.Empty(t, env.queueEntries(t, "alice"))
}

func TestQueue_TransientErrorLimitPurges(t *testing.T) {
	policy := testPolicy()
	policy.Queue.MaxFailures = 2
	env := newTestEnvWithPolicy(t, policy)
	ctx := context.Background()

	env.tracker.addIssue(testRepo, 10)
	enqueue(t, env, "alice", 10, time.Hour)
	env.tracker.getErr[issueKey{testRepo, 10}] = errors.Join(ErrTransient, errors.New("rate limited"))

	for i := 0; i < 2; i++ {
		result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
		assert.Equal(t, DrainResult{Deferred: 1}, result)
		env.clock.Advance(2 * time.Hour)
	}

	result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Purged: 1}, result)
	assert.Empty(t, env.queueEntries(t, "alice"))
}

func TestQueue_AddAssigneeFailureDefers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tracker.addIssue(testRepo, 10)
	enqueue(t, env, "alice", 10, time.Hour)
	env.tracker.addErr = fmt.Errorf("add assignee: %w", ErrTransient)

	result := env.bot.Queue.Drain(ctx, "alice", env.tracker)
	assert.Equal(t, DrainResult{Deferred: 1}, result)

	a, err := env.bot.Ledger.Get(ctx, testRepo, 10)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestQueue_DrainOnlyTouchesOwnLine(t *testing.T) {
	env := newTestEnv(t)

	env.tracker.addIssue(testRepo, 10)
	env.tracker.addIssue(testRepo, 11)
	enqueue(t, env, "alice", 10, time.Hour)
	enqueue(t, env, "bob", 11, time.Hour)

	result := env.bot.Queue.Drain(context.Background(), "alice", env.tracker)
	assert.Equal(t, DrainResult{Admitted: 1}, result)

	bob := env.queueEntries(t, "bob")
	require.Len(t, bob, 1)
	assert.Equal(t, 0, bob[0].RetryCount)
	assert.Equal(t, 0, env.tracker.countCalls("get owner/repo#11"))
}

func TestQueue_PurgeIssue(t *testing.T) {
	env := newTestEnv(t)

	enqueue(t, env, "alice", 10, time.Hour)
	enqueue(t, env, "bob", 10, time.Hour)
	enqueue(t, env, "bob", 11, time.Hour)

	n, err := env.bot.Queue.PurgeIssue(context.Background(), testRepo, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Empty(t, env.queueEntries(t, "alice"))
	assert.Len(t, env.queueEntries(t, "bob"), 1)
}

// racingTracker は AddAssignee の間に別経路の割り当てが台帳に入る状況を再現する
type racingTracker struct {
	*fakeTracker
	ledger *Ledger
	winner string
	at     time.Time
}

func (r *racingTracker) AddAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	if _, err := r.ledger.Add(ctx, repo, number, r.winner, r.at); err != nil {
		return err
	}
	return r.fakeTracker.AddAssignee(ctx, repo, number, user)
}

func TestQueue_ConcurrentAdmissionBySameUserKeepsAssignee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tracker.addIssue(testRepo, 9)
	enqueue(t, env, "alice", 9, time.Hour)
	tracker := &racingTracker{fakeTracker: env.tracker, ledger: env.bot.Ledger, winner: "alice", at: env.clock.Now().Add(time.Hour)}

	result := env.bot.Queue.Drain(ctx, "alice", tracker)
	assert.Equal(t, DrainResult{Purged: 1}, result)

	a, err := env.bot.Ledger.Get(ctx, testRepo, 9)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "alice", a.Assignee)

	// 台帳とトラッカーの両方に alice が残る
	issue, err := env.tracker.GetIssue(ctx, testRepo, 9)
	require.NoError(t, err)
	assert.True(t, issue.HasAssignee("alice"))
	assert.Equal(t, 0, env.tracker.countCalls("remove"))
	assert.Empty(t, env.queueEntries(t, "alice"))
}

func TestQueue_ConcurrentAdmissionByOtherUserRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.tracker.addIssue(testRepo, 9)
	enqueue(t, env, "alice", 9, time.Hour)
	tracker := &racingTracker{fakeTracker: env.tracker, ledger: env.bot.Ledger, winner: "bob", at: env.clock.Now().Add(time.Hour)}

	result := env.bot.Queue.Drain(ctx, "alice", tracker)
	assert.Equal(t, DrainResult{Requeued: 1}, result)

	a, err := env.bot.Ledger.Get(ctx, testRepo, 9)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "bob", a.Assignee)

	issue, err := env.tracker.GetIssue(ctx, testRepo, 9)
	require.NoError(t, err)
	assert.False(t, issue.HasAssignee("alice"))

	entries := env.queueEntries(t, "alice")
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}
