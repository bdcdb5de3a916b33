package services

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"issue-assign-bot/models"
)

// Notifier は運用者向けの通知先
// 失敗してもエンジンの処理は止めない (呼び出し側でログに残すだけ)
type Notifier interface {
	NotifyAdmitted(ctx context.Context, a models.Assignment) error
	NotifyExpired(ctx context.Context, a models.Assignment, blockedUntil time.Time) error
}

type NopNotifier struct{}

var _ Notifier = NopNotifier{}

func (NopNotifier) NotifyAdmitted(context.Context, models.Assignment) error { return nil }
func (NopNotifier) NotifyExpired(context.Context, models.Assignment, time.Time) error {
	return nil
}

// SlackNotifier は Slack チャンネルに投稿する Notifier
// user_mappings に対応があれば Slack ユーザーをメンションする
type SlackNotifier struct {
	client   *slack.Client
	channel  string
	mappings *UserMappings
}

var _ Notifier = (*SlackNotifier)(nil)

// mappings が nil ならメンションせずに GitHub のログイン名を表示する
func NewSlackNotifier(client *slack.Client, channel string, mappings *UserMappings) *SlackNotifier {
	return &SlackNotifier{client: client, channel: channel, mappings: mappings}
}

func (n *SlackNotifier) NotifyAdmitted(ctx context.Context, a models.Assignment) error {
	text := fmt.Sprintf("✅ %s was assigned to %s#%d (deadline: %s)",
		n.mention(ctx, a.Assignee), a.Repo().FullName(), a.IssueNumber, formatDeadline(a.Deadline))
	return n.post(ctx, text)
}

func (n *SlackNotifier) NotifyExpired(ctx context.Context, a models.Assignment, blockedUntil time.Time) error {
	text := fmt.Sprintf("⏰ assignment of %s on %s#%d expired. blocked from this issue until %s",
		n.mention(ctx, a.Assignee), a.Repo().FullName(), a.IssueNumber, formatDeadline(blockedUntil))
	return n.post(ctx, text)
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(section),
	)
	if err != nil {
		return fmt.Errorf("slack post failed (channel: %s): %w", n.channel, err)
	}
	return nil
}

// mention は対応する Slack ユーザーがいれば <@ID>、なければ GitHub のログイン名を返す
func (n *SlackNotifier) mention(ctx context.Context, githubUser string) string {
	if n.mappings != nil {
		if id, err := n.mappings.SlackUserID(ctx, githubUser); err == nil && id != "" {
			return fmt.Sprintf("<@%s>", id)
		}
	}
	return "`" + githubUser + "`"
}
