package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"issue-assign-bot/config"
	"issue-assign-bot/models"
)

// ReplyKind は Engine が返した応答の種類
type ReplyKind string

const (
	ReplyNone            ReplyKind = "none"
	ReplyAssigned        ReplyKind = "assigned"
	ReplyQueued          ReplyKind = "queued"
	ReplyBlocked         ReplyKind = "blocked"
	ReplyAlreadyAssigned ReplyKind = "already_assigned"
	ReplyTaken           ReplyKind = "taken"
	ReplyUnassigned      ReplyKind = "unassigned"
	ReplyExtended        ReplyKind = "extended"
	ReplyNoAssignment    ReplyKind = "no_assignment"
	ReplyNotAuthorized   ReplyKind = "not_authorized"
	ReplyInvalidFormat   ReplyKind = "invalid_format"
	ReplyError           ReplyKind = "error"
)

// Reply は issue に投稿した応答
type Reply struct {
	Kind ReplyKind
	Body string
}

// CommentEvent は issue に投稿されたコメント
type CommentEvent struct {
	Repo   models.RepoRef
	Issue  int
	Sender string
	Body   string
	Labels []string
}

// PullRequestEvent はマージされた PR
type PullRequestEvent struct {
	Repo   models.RepoRef
	Number int
	Author string
	Body   string
}

// Engine はコメントコマンドと issue / PR イベントを処理する
type Engine struct {
	ledger      *Ledger
	blocks      *BlockRegistry
	queue       *Queue
	tracker     Tracker
	maintainers *config.Maintainers
	notifier    Notifier
	metrics     Metrics
	logger      Logger
	policy      config.Policy

	now func() time.Time
}

func NewEngine(ledger *Ledger, blocks *BlockRegistry, queue *Queue, tracker Tracker, maintainers *config.Maintainers, notifier Notifier, metrics Metrics, logger Logger, policy config.Policy) *Engine {
	return &Engine{
		ledger:      ledger,
		blocks:      blocks,
		queue:       queue,
		tracker:     tracker,
		maintainers: maintainers,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger,
		policy:      policy,
		now:         time.Now,
	}
}

// HandleComment はコメントのコマンドを実行し、応答を issue に投稿する
// コマンドでないコメントは無視して ReplyNone を返す
func (e *Engine) HandleComment(ctx context.Context, ev CommentEvent) Reply {
	cmd := ParseCommand(ev.Body)

	var reply Reply
	switch cmd.Kind {
	case CommandAssign:
		reply = e.assign(ctx, ev)
	case CommandUnassign:
		reply = e.unassign(ctx, ev)
	case CommandExtend:
		reply = e.extend(ctx, ev, cmd)
	default:
		return Reply{Kind: ReplyNone}
	}

	e.metrics.RecordCommand(string(cmd.Kind), string(reply.Kind))
	e.post(ctx, ev.Repo, ev.Issue, reply.Body)
	return reply
}

func (e *Engine) assign(ctx context.Context, ev CommentEvent) Reply {
	log := []any{"repo", ev.Repo.FullName(), "issue", ev.Issue, "user", ev.Sender}
	scope := models.IssueScope(ev.Repo, ev.Issue)

	until, err := e.blocks.BlockedUntil(ctx, scope, ev.Sender)
	if err != nil {
		e.logger.Error("block check failed", append(log, "error", err)...)
		return e.failed("/assign")
	}
	if e.now().Before(until) {
		e.logger.Info("assign rejected: user is blocked", append(log, "blocked_until", until)...)
		return Reply{Kind: ReplyBlocked, Body: blockedNotice(ev.Sender, until)}
	}

	existing, err := e.ledger.Get(ctx, ev.Repo, ev.Issue)
	if err != nil {
		e.logger.Error("assignment lookup failed", append(log, "error", err)...)
		return e.failed("/assign")
	}
	if existing != nil && strings.EqualFold(existing.Assignee, ev.Sender) {
		return e.occupied(ev.Sender, existing.Assignee)
	}

	duration := e.policy.DurationForLabels(ev.Labels)

	active, err := e.ledger.ActiveCount(ctx, ev.Sender)
	if err != nil {
		e.logger.Error("active count failed", append(log, "error", err)...)
		return e.failed("/assign")
	}
	if active >= e.policy.MaxActive {
		if _, err := e.queue.Enqueue(ctx, ev.Sender, QueuedClaim{Repo: ev.Repo, Issue: ev.Issue, Duration: duration}); err != nil {
			e.logger.Error("enqueue failed", append(log, "error", err)...)
			return e.failed("/assign")
		}
		return Reply{Kind: ReplyQueued, Body: queuedNotice(ev.Sender, e.policy.MaxActive)}
	}

	// 上限未満で他の人が担当中なら待たせずに断る
	if existing != nil {
		return e.occupied(ev.Sender, existing.Assignee)
	}

	if err := e.tracker.AddAssignee(ctx, ev.Repo, ev.Issue, ev.Sender); err != nil {
		e.logger.Error("failed to add assignee", append(log, "error", err)...)
		return e.failed("/assign")
	}

	a, err := e.ledger.Add(ctx, ev.Repo, ev.Issue, ev.Sender, e.now().Add(duration))
	if errors.Is(err, ErrConflict) {
		// 並行した /assign に先を越された
		current, gerr := e.ledger.Get(ctx, ev.Repo, ev.Issue)
		if gerr == nil && current != nil {
			if !strings.EqualFold(current.Assignee, ev.Sender) {
				e.rollbackAssignee(ctx, ev)
			}
			return e.occupied(ev.Sender, current.Assignee)
		}
	}
	if err != nil {
		e.logger.Error("failed to record assignment", append(log, "error", err)...)
		e.rollbackAssignee(ctx, ev)
		return e.failed("/assign")
	}

	if err := e.notifier.NotifyAdmitted(ctx, *a); err != nil {
		e.logger.Warn("admission notification failed", append(log, "error", err)...)
	}

	e.logger.Info("issue assigned", append(log, "deadline", a.Deadline)...)
	return Reply{Kind: ReplyAssigned, Body: assignedNotice(ev.Sender, duration, a.Deadline)}
}

func (e *Engine) occupied(sender, assignee string) Reply {
	if strings.EqualFold(sender, assignee) {
		return Reply{Kind: ReplyAlreadyAssigned, Body: alreadyAssignedNotice(sender)}
	}
	return Reply{Kind: ReplyTaken, Body: takenNotice(sender, assignee)}
}

func (e *Engine) rollbackAssignee(ctx context.Context, ev CommentEvent) {
	if err := e.tracker.RemoveAssignee(ctx, ev.Repo, ev.Issue, ev.Sender); err != nil {
		e.logger.Warn("failed to roll back assignee", "repo", ev.Repo.FullName(), "issue", ev.Issue, "user", ev.Sender, "error", err)
	}
}

// unassign は何度実行しても同じ状態になる
// 台帳の行は送信者のものだけ削除する
func (e *Engine) unassign(ctx context.Context, ev CommentEvent) Reply {
	log := []any{"repo", ev.Repo.FullName(), "issue", ev.Issue, "user", ev.Sender}

	if err := e.tracker.RemoveAssignee(ctx, ev.Repo, ev.Issue, ev.Sender); err != nil {
		e.logger.Error("failed to remove assignee", append(log, "error", err)...)
		return e.failed("/unassign")
	}

	existing, err := e.ledger.Get(ctx, ev.Repo, ev.Issue)
	if err != nil {
		e.logger.Error("assignment lookup failed", append(log, "error", err)...)
		return e.failed("/unassign")
	}
	if existing != nil && strings.EqualFold(existing.Assignee, ev.Sender) {
		if err := e.ledger.Remove(ctx, ev.Repo, ev.Issue); err != nil {
			e.logger.Error("failed to remove assignment", append(log, "error", err)...)
			return e.failed("/unassign")
		}
	}

	e.drain(ctx, ev.Sender)

	e.logger.Info("issue unassigned", log...)
	return Reply{Kind: ReplyUnassigned, Body: unassignedNotice(ev.Sender)}
}

func (e *Engine) extend(ctx context.Context, ev CommentEvent, cmd Command) Reply {
	log := []any{"repo", ev.Repo.FullName(), "issue", ev.Issue, "user", ev.Sender}

	if !e.maintainers.Contains(ev.Sender) {
		e.logger.Info("extend rejected", append(log, "error", ErrUnauthorized)...)
		return Reply{Kind: ReplyNotAuthorized, Body: notAuthorizedNotice(ev.Sender)}
	}

	ext, err := ParseExtension(cmd.Text)
	if err != nil {
		e.logger.Info("extend rejected", append(log, "error", err)...)
		return Reply{Kind: ReplyInvalidFormat, Body: invalidExtendNotice}
	}

	ok, err := e.ledger.Extend(ctx, ev.Repo, ev.Issue, ext.Duration())
	if err != nil {
		e.logger.Error("failed to extend assignment", append(log, "error", err)...)
		return e.failed("/extend")
	}
	if !ok {
		return Reply{Kind: ReplyNoAssignment, Body: noAssignmentNotice}
	}

	deadline, err := e.ledger.Deadline(ctx, ev.Repo, ev.Issue)
	if err != nil || deadline == nil {
		e.logger.Error("failed to read extended deadline", append(log, "error", err)...)
		return e.failed("/extend")
	}

	e.logger.Info("assignment extended", append(log, "extension", ext.String(), "deadline", *deadline)...)
	return Reply{Kind: ReplyExtended, Body: extendedNotice(ext.String(), *deadline)}
}

func (e *Engine) failed(command string) Reply {
	return Reply{Kind: ReplyError, Body: errorNotice(command)}
}

// HandleIssueOpened は greet_on_open が有効なら歓迎コメントを投稿する
func (e *Engine) HandleIssueOpened(ctx context.Context, repo models.RepoRef, issue int) {
	if !e.policy.GreetOnOpen {
		return
	}
	e.post(ctx, repo, issue, welcomeNotice)
}

// HandleIssueClosed はアサインと、その issue を待っているキューエントリを削除し、
// 空いた担当者のキューを消化する
func (e *Engine) HandleIssueClosed(ctx context.Context, repo models.RepoRef, issue int) {
	log := []any{"repo", repo.FullName(), "issue", issue}

	if n, err := e.queue.PurgeIssue(ctx, repo, issue); err != nil {
		e.logger.Error("failed to purge queue entries for closed issue", append(log, "error", err)...)
	} else if n > 0 {
		e.logger.Info("purged queue entries for closed issue", append(log, "count", n)...)
	}

	a, err := e.ledger.Get(ctx, repo, issue)
	if err != nil {
		e.logger.Error("assignment lookup failed", append(log, "error", err)...)
		return
	}
	if a == nil {
		return
	}

	if err := e.ledger.Remove(ctx, repo, issue); err != nil {
		e.logger.Error("failed to remove assignment", append(log, "error", err)...)
		return
	}
	e.logger.Info("assignment released by issue close", append(log, "user", a.Assignee)...)

	e.drain(ctx, a.Assignee)
}

// HandlePullRequestMerged は本文の "closes #<n>" ごとにアサインを完了扱いにする
// 1 つの issue の失敗は他の issue の処理を止めない
func (e *Engine) HandlePullRequestMerged(ctx context.Context, pr PullRequestEvent) {
	refs := ClosingReferences(pr.Body)
	if len(refs) == 0 {
		return
	}

	drain := make(map[string]bool)
	for _, issue := range refs {
		if ctx.Err() != nil {
			return
		}
		if assignee, ok := e.completeIssue(ctx, pr, issue); ok {
			drain[pr.Author] = true
			if assignee != "" {
				drain[assignee] = true
			}
		}
	}

	for user := range drain {
		e.drain(ctx, user)
	}
}

// completeIssue は 1 件の参照を処理し、削除したアサインの担当者を返す
func (e *Engine) completeIssue(ctx context.Context, pr PullRequestEvent, issue int) (string, bool) {
	log := []any{"repo", pr.Repo.FullName(), "issue", issue, "pr", pr.Number, "user", pr.Author}

	if err := e.tracker.RemoveAssignee(ctx, pr.Repo, issue, pr.Author); err != nil {
		e.logger.Error("failed to remove assignee after merge", append(log, "error", err)...)
		return "", false
	}

	if err := e.blocks.Clear(ctx, models.IssueScope(pr.Repo, issue), pr.Author); err != nil {
		e.logger.Error("failed to clear block after merge", append(log, "error", err)...)
	}

	a, err := e.ledger.Get(ctx, pr.Repo, issue)
	if err != nil {
		e.logger.Error("assignment lookup failed", append(log, "error", err)...)
		return "", false
	}
	if a == nil {
		return "", true
	}

	if err := e.ledger.Remove(ctx, pr.Repo, issue); err != nil {
		e.logger.Error("failed to remove assignment after merge", append(log, "error", err)...)
		return "", false
	}
	e.post(ctx, pr.Repo, issue, completedNotice(a.Assignee, issue))

	e.logger.Info("assignment completed by merge", append(log, "assignee", a.Assignee)...)
	return a.Assignee, true
}

func (e *Engine) drain(ctx context.Context, user string) {
	result := e.queue.Drain(ctx, user, e.tracker)
	if result != (DrainResult{}) {
		e.logger.Info("queue drained", "user", user,
			"admitted", result.Admitted, "requeued", result.Requeued, "purged", result.Purged, "deferred", result.Deferred)
	}
}

func (e *Engine) post(ctx context.Context, repo models.RepoRef, issue int, body string) {
	if body == "" {
		return
	}
	if err := e.tracker.CreateComment(ctx, repo, issue, body); err != nil {
		e.logger.Error("failed to post comment", "repo", repo.FullName(), "issue", issue, "error", err)
	}
}
