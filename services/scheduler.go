package services

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"issue-assign-bot/config"
	"issue-assign-bot/models"
)

const sweepKey = "sweep"

// SweepReport は 1 回のスイープの結果
type SweepReport struct {
	Expired      int           `json:"expired"`
	Stale        int           `json:"stale"`
	ExpiryFailed int           `json:"expiry_failed"`
	QueuedUsers  int           `json:"queued_users"`
	Drain        DrainResult   `json:"drain"`
	BlocksPurged int64         `json:"blocks_purged"`
	Duration     time.Duration `json:"duration"`
}

// Scheduler は期限切れの処理とキューの消化を定期的に行う
type Scheduler struct {
	ledger   *Ledger
	blocks   *BlockRegistry
	queue    *Queue
	tracker  Tracker
	notifier Notifier
	metrics  Metrics
	logger   Logger
	policy   config.Policy
	interval time.Duration

	group singleflight.Group
	now   func() time.Time
}

func NewScheduler(ledger *Ledger, blocks *BlockRegistry, queue *Queue, tracker Tracker, notifier Notifier, metrics Metrics, logger Logger, policy config.Policy, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		ledger:   ledger,
		blocks:   blocks,
		queue:    queue,
		tracker:  tracker,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		policy:   policy,
		interval: interval,
		now:      time.Now,
	}
}

// Run は ctx がキャンセルされるまで interval ごとに Sweep する
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep は期限切れ処理、全ユーザーのキュー消化、期限切れブロックの掃除を順に行う
// 実行中に呼ばれた場合は新しく始めずに実行中のスイープの結果を返す
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	v, _, shared := s.group.Do(sweepKey, func() (interface{}, error) {
		return s.sweep(ctx), nil
	})
	if shared {
		s.logger.Debug("joined in-flight sweep")
	}
	return v.(SweepReport)
}

func (s *Scheduler) sweep(ctx context.Context) SweepReport {
	start := s.now()
	var report SweepReport

	s.expireOverdue(ctx, &report)
	s.drainQueues(ctx, &report)

	purged, err := s.blocks.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to purge expired blocks", "error", err)
	}
	report.BlocksPurged = purged

	report.Duration = s.now().Sub(start)
	s.metrics.RecordSweep(report.Duration.Seconds())

	s.logger.Info("sweep finished",
		"expired", report.Expired,
		"stale", report.Stale,
		"expiry_failed", report.ExpiryFailed,
		"queued_users", report.QueuedUsers,
		"admitted", report.Drain.Admitted,
		"requeued", report.Drain.Requeued,
		"purged", report.Drain.Purged,
		"deferred", report.Drain.Deferred,
		"duration", report.Duration,
	)
	return report
}

func (s *Scheduler) expireOverdue(ctx context.Context, report *SweepReport) {
	overdue, err := s.ledger.Overdue(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list overdue assignments", "error", err)
		return
	}

	for _, a := range overdue {
		if ctx.Err() != nil {
			return
		}

		outcome, err := s.expire(ctx, a)
		if err != nil {
			s.logger.Error("failed to expire assignment",
				"repo", a.Repo().FullName(), "issue", a.IssueNumber, "user", a.Assignee, "error", err)
		}
		s.metrics.RecordExpiry(outcome)

		switch outcome {
		case "expired":
			report.Expired++
		case "stale":
			report.Stale++
		default:
			report.ExpiryFailed++
		}
	}
}

// expire は期限切れのアサインを 1 件処理し、結果 ("expired", "stale", "failed") を返す
//
// トラッカー上で既に外れていれば行を消すだけで、通知もブロックもしない
// 通知は担当者を外す前に投稿し、同じ期限のマーカーがあれば投稿しない
// 途中で失敗しても次のスイープでやり直せる
func (s *Scheduler) expire(ctx context.Context, a models.Assignment) (string, error) {
	repo := a.Repo()

	issue, err := s.tracker.GetIssue(ctx, repo, a.IssueNumber)
	if errors.Is(err, ErrNotFound) {
		if err := s.ledger.Remove(ctx, repo, a.IssueNumber); err != nil {
			return "failed", err
		}
		s.logger.Info("removed assignment for missing issue", "repo", repo.FullName(), "issue", a.IssueNumber, "user", a.Assignee)
		return "stale", nil
	}
	if err != nil {
		return "failed", err
	}

	if !issue.HasAssignee(a.Assignee) {
		if err := s.ledger.Remove(ctx, repo, a.IssueNumber); err != nil {
			return "failed", err
		}
		s.logger.Info("removed stale assignment", "repo", repo.FullName(), "issue", a.IssueNumber, "user", a.Assignee)
		return "stale", nil
	}

	comments, err := s.tracker.ListComments(ctx, repo, a.IssueNumber)
	if err != nil {
		return "failed", err
	}
	if !HasExpiryNotice(comments, a.Assignee, a.Deadline) {
		if err := s.tracker.CreateComment(ctx, repo, a.IssueNumber, expiredNotice(a.Assignee, a.Deadline, s.policy.BlockDuration())); err != nil {
			return "failed", err
		}
	}

	if err := s.tracker.RemoveAssignee(ctx, repo, a.IssueNumber, a.Assignee); err != nil && !errors.Is(err, ErrNotFound) {
		return "failed", err
	}

	until, err := s.blocks.Block(ctx, models.IssueScope(repo, a.IssueNumber), a.Assignee, s.policy.BlockDuration())
	if err != nil {
		return "failed", err
	}

	if err := s.ledger.Remove(ctx, repo, a.IssueNumber); err != nil {
		return "failed", err
	}

	if err := s.notifier.NotifyExpired(ctx, a, until); err != nil {
		s.logger.Warn("expiry notification failed", "repo", repo.FullName(), "issue", a.IssueNumber, "error", err)
	}

	s.logger.Info("assignment expired",
		"repo", repo.FullName(), "issue", a.IssueNumber, "user", a.Assignee, "blocked_until", until)
	return "expired", nil
}

func (s *Scheduler) drainQueues(ctx context.Context, report *SweepReport) {
	users, err := s.queue.DistinctUsers(ctx)
	if err != nil {
		s.logger.Error("failed to list queued users", "error", err)
		return
	}
	report.QueuedUsers = len(users)

	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		result := s.queue.Drain(ctx, user, s.tracker)
		report.Drain.add(result)
	}
}
