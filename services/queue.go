package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"issue-assign-bot/config"
	"issue-assign-bot/models"
)

// QueuedClaim はキューに積むアサイン要求
type QueuedClaim struct {
	Repo     models.RepoRef
	Issue    int
	Duration time.Duration
}

// DrainResult は 1 回の Drain の集計
type DrainResult struct {
	Admitted int `json:"admitted"`
	Requeued int `json:"requeued"`
	Purged   int `json:"purged"`
	Deferred int `json:"deferred"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Admitted += o.Admitted
	r.Requeued += o.Requeued
	r.Purged += o.Purged
	r.Deferred += o.Deferred
}

type drainOutcome string

const (
	outcomeAdmitted drainOutcome = "admitted"
	outcomeRequeued drainOutcome = "requeued"
	outcomePurged   drainOutcome = "purged"
	outcomeDeferred drainOutcome = "deferred"
	outcomeFailed   drainOutcome = "failed"
)

// Queue はユーザーごとの FIFO の保留キュー
type Queue struct {
	db       *gorm.DB
	ledger   *Ledger
	blocks   *BlockRegistry
	notifier Notifier
	metrics  Metrics
	logger   Logger
	policy   config.Policy

	now    func() time.Time
	jitter func(n int64) int64
}

func NewQueue(db *gorm.DB, ledger *Ledger, blocks *BlockRegistry, notifier Notifier, metrics Metrics, logger Logger, policy config.Policy) *Queue {
	return &Queue{
		db:       db,
		ledger:   ledger,
		blocks:   blocks,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		policy:   policy,
		now:      time.Now,
		jitter:   rand.Int63n,
	}
}

// Enqueue はユーザーのキューの末尾に要求を積む
// 同じユーザーが同じ issue を既に積んでいればそのエントリを返す
func (q *Queue) Enqueue(ctx context.Context, user string, claim QueuedClaim) (*models.QueueEntry, error) {
	var existing models.QueueEntry
	err := issueWhere(q.db.WithContext(ctx), claim.Repo, claim.Issue).Where("username = ?", user).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up queue entry: %w", err)
	}

	entry := models.QueueEntry{
		ID:          uuid.NewString(),
		Username:    user,
		RepoOwner:   claim.Repo.Owner,
		RepoName:    claim.Repo.Name,
		IssueNumber: claim.Issue,
		Duration:    claim.Duration.Milliseconds(),
		CreatedAt:   q.now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}

	q.logger.Info("claim queued", "user", user, "repo", claim.Repo.FullName(), "issue", claim.Issue)
	return &entry, nil
}

// Entries はユーザーのキューを FIFO 順に返す
func (q *Queue) Entries(ctx context.Context, user string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := q.db.WithContext(ctx).Where("username = ?", user).Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return entries, nil
}

// DistinctUsers はキューにエントリを持つユーザーを返す
func (q *Queue) DistinctUsers(ctx context.Context) ([]string, error) {
	var users []string
	if err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).Distinct("username").Order("username ASC").Pluck("username", &users).Error; err != nil {
		return nil, fmt.Errorf("failed to list queued users: %w", err)
	}
	return users, nil
}

// PurgeIssue は issue に対する全ユーザーのエントリを削除する
func (q *Queue) PurgeIssue(ctx context.Context, repo models.RepoRef, issue int) (int64, error) {
	result := issueWhere(q.db.WithContext(ctx), repo, issue).Delete(&models.QueueEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge queue entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Drain はユーザーのキューを先頭から処理する
// 担当数が MaxActive に達するか、処理できるエントリがなくなったら止まる
// 1 回の Drain で同じエントリは 1 度しか見ない。後ろに回したエントリは次の Drain で再挑戦する
func (q *Queue) Drain(ctx context.Context, user string, tracker Tracker) DrainResult {
	var result DrainResult

	active, err := q.ledger.ActiveCount(ctx, user)
	if err != nil {
		q.logger.Error("drain aborted: active count failed", "user", user, "error", err)
		return result
	}

	visited := make(map[string]bool)
	for active < q.policy.MaxActive {
		entry, err := q.next(ctx, user, visited)
		if err != nil {
			q.logger.Error("drain aborted: queue read failed", "user", user, "error", err)
			break
		}
		if entry == nil {
			break
		}
		visited[entry.ID] = true

		outcome := q.process(ctx, tracker, entry)
		q.metrics.RecordQueueOutcome(string(outcome))

		switch outcome {
		case outcomeAdmitted:
			result.Admitted++
			if active, err = q.ledger.ActiveCount(ctx, user); err != nil {
				q.logger.Error("drain aborted: active count failed", "user", user, "error", err)
				return result
			}
		case outcomeRequeued:
			result.Requeued++
		case outcomePurged:
			result.Purged++
		case outcomeDeferred:
			result.Deferred++
		case outcomeFailed:
			return result
		}
	}

	return result
}

// next はバックオフ待ちでない未処理のエントリのうち最も古いものを返す
func (q *Queue) next(ctx context.Context, user string, visited map[string]bool) (*models.QueueEntry, error) {
	tx := q.db.WithContext(ctx).
		Where("username = ?", user).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", q.now().UTC())

	if len(visited) > 0 {
		ids := make([]string, 0, len(visited))
		for id := range visited {
			ids = append(ids, id)
		}
		tx = tx.Where("id NOT IN ?", ids)
	}

	var entry models.QueueEntry
	err := tx.Order("created_at ASC, id ASC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (q *Queue) process(ctx context.Context, tracker Tracker, entry *models.QueueEntry) drainOutcome {
	repo := entry.Repo()
	log := []any{"user", entry.Username, "repo", repo.FullName(), "issue", entry.IssueNumber, "entry", entry.ID}

	blocked, err := q.blocks.IsBlocked(ctx, models.IssueScope(repo, entry.IssueNumber), entry.Username)
	if err != nil {
		q.logger.Error("block check failed", append(log, "error", err)...)
		return outcomeFailed
	}
	if blocked {
		return q.requeueOrPurge(ctx, entry, "user is blocked for this issue")
	}

	issue, err := tracker.GetIssue(ctx, repo, entry.IssueNumber)
	if err != nil {
		return q.trackerFailure(ctx, entry, err)
	}
	if !issue.IsOpen() {
		return q.purge(ctx, entry, "issue is not open")
	}
	if len(issue.Assignees) > 0 {
		return q.requeueOrPurge(ctx, entry, "issue already has assignees")
	}

	existing, err := q.ledger.Get(ctx, repo, entry.IssueNumber)
	if err != nil {
		q.logger.Error("assignment lookup failed", append(log, "error", err)...)
		return outcomeFailed
	}
	if existing != nil {
		return q.requeueOrPurge(ctx, entry, "issue already has an assignment")
	}

	return q.admit(ctx, tracker, entry)
}

func (q *Queue) admit(ctx context.Context, tracker Tracker, entry *models.QueueEntry) drainOutcome {
	repo := entry.Repo()
	log := []any{"user", entry.Username, "repo", repo.FullName(), "issue", entry.IssueNumber, "entry", entry.ID}

	if err := tracker.AddAssignee(ctx, repo, entry.IssueNumber, entry.Username); err != nil {
		return q.trackerFailure(ctx, entry, err)
	}

	deadline := q.now().Add(entry.DurationValue())
	a, err := q.ledger.Add(ctx, repo, entry.IssueNumber, entry.Username, deadline)
	if errors.Is(err, ErrConflict) {
		return q.admitConflict(ctx, tracker, entry)
	}
	if err != nil {
		q.logger.Error("failed to record queued assignment", append(log, "error", err)...)
		// 台帳に残せなかったのでトラッカー側も戻す
		if rerr := tracker.RemoveAssignee(ctx, repo, entry.IssueNumber, entry.Username); rerr != nil {
			q.logger.Warn("failed to roll back assignee", append(log, "error", rerr)...)
		}
		return outcomeFailed
	}

	if err := tracker.CreateComment(ctx, repo, entry.IssueNumber, queueAssignedNotice(entry.Username, entry.DurationValue(), a.Deadline)); err != nil {
		q.logger.Warn("failed to post queue assignment notice", append(log, "error", err)...)
	}
	if err := q.notifier.NotifyAdmitted(ctx, *a); err != nil {
		q.logger.Warn("admission notification failed", append(log, "error", err)...)
	}

	if err := q.delete(ctx, entry); err != nil {
		q.logger.Error("failed to delete admitted queue entry", append(log, "error", err)...)
		return outcomeFailed
	}

	q.logger.Info("queued claim admitted", append(log, "deadline", a.Deadline)...)
	return outcomeAdmitted
}

// admitConflict は並行した割り当てに先を越されたときの後始末
// 本人が先に割り当てられていればエントリを消すだけで、トラッカー側は戻さない
func (q *Queue) admitConflict(ctx context.Context, tracker Tracker, entry *models.QueueEntry) drainOutcome {
	repo := entry.Repo()
	log := []any{"user", entry.Username, "repo", repo.FullName(), "issue", entry.IssueNumber, "entry", entry.ID}

	current, err := q.ledger.Get(ctx, repo, entry.IssueNumber)
	if err != nil {
		q.logger.Error("assignment lookup failed", append(log, "error", err)...)
		return outcomeFailed
	}
	if current != nil && strings.EqualFold(current.Assignee, entry.Username) {
		return q.purge(ctx, entry, "already assigned to this user")
	}

	if err := tracker.RemoveAssignee(ctx, repo, entry.IssueNumber, entry.Username); err != nil {
		q.logger.Warn("failed to roll back assignee", append(log, "error", err)...)
	}
	return q.requeueOrPurge(ctx, entry, "issue was assigned concurrently")
}

// requeueOrPurge はエントリを自分のキューの末尾に回す
// RetryCount が上限に達していれば削除する
func (q *Queue) requeueOrPurge(ctx context.Context, entry *models.QueueEntry, reason string) drainOutcome {
	if entry.RetryCount >= q.policy.Queue.MaxRetries {
		return q.purge(ctx, entry, reason+" (retry limit reached)")
	}

	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + ?", 1),
		"created_at":  q.now().UTC(),
	}).Error
	if err != nil {
		q.logger.Error("failed to requeue entry", "entry", entry.ID, "error", err)
		return outcomeFailed
	}

	q.logger.Debug("queue entry requeued", "user", entry.Username, "issue", entry.IssueNumber, "retry", entry.RetryCount+1, "reason", reason)
	return outcomeRequeued
}

// trackerFailure はトラッカーエラーの種類でエントリを処理する
// 404 は削除、それ以外はバックオフして MaxFailures を超えたら削除
func (q *Queue) trackerFailure(ctx context.Context, entry *models.QueueEntry, err error) drainOutcome {
	if errors.Is(err, ErrNotFound) {
		return q.purge(ctx, entry, "issue not found")
	}

	failures := entry.FailureCount + 1
	if failures > q.policy.Queue.MaxFailures {
		q.logger.Warn("tracker keeps failing, dropping queue entry", "entry", entry.ID, "failures", failures, "error", err)
		return q.purge(ctx, entry, "tracker failure limit reached")
	}

	next := q.now().Add(failureBackoff(failures, q.policy.Queue.BackoffBase.Std(), q.policy.Queue.BackoffCap.Std(), q.jitter)).UTC()
	uerr := q.db.WithContext(ctx).Model(&models.QueueEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
		"failure_count":   failures,
		"next_attempt_at": next,
	}).Error
	if uerr != nil {
		q.logger.Error("failed to defer queue entry", "entry", entry.ID, "error", uerr)
		return outcomeFailed
	}

	q.logger.Warn("tracker error, queue entry deferred", "user", entry.Username, "issue", entry.IssueNumber, "failures", failures, "next_attempt_at", next, "error", err)
	return outcomeDeferred
}

func (q *Queue) purge(ctx context.Context, entry *models.QueueEntry, reason string) drainOutcome {
	if err := q.delete(ctx, entry); err != nil {
		q.logger.Error("failed to purge queue entry", "entry", entry.ID, "error", err)
		return outcomeFailed
	}
	q.logger.Info("queue entry purged", "user", entry.Username, "repo", entry.Repo().FullName(), "issue", entry.IssueNumber, "reason", reason)
	return outcomePurged
}

func (q *Queue) delete(ctx context.Context, entry *models.QueueEntry) error {
	return q.db.WithContext(ctx).Where("id = ?", entry.ID).Delete(&models.QueueEntry{}).Error
}
