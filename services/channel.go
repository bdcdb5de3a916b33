package services

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// ChannelArchived は通知先チャンネルがアーカイブされているかどうかを確認する
// アーカイブ済みのチャンネルには投稿できないので起動時に確認する
func (n *SlackNotifier) ChannelArchived(ctx context.Context) (bool, error) {
	ch, err := n.client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: n.channel})
	if err != nil {
		return false, fmt.Errorf("channel status check failed (channel: %s): %w", n.channel, err)
	}
	return ch.IsArchived, nil
}

// CheckNotifierChannel は通知先が使えなければ NopNotifier に切り替える
// 確認自体に失敗した場合はそのまま使う
func CheckNotifierChannel(ctx context.Context, n *SlackNotifier, logger Logger) Notifier {
	archived, err := n.ChannelArchived(ctx)
	if err != nil {
		logger.Warn("cannot check slack channel", "channel", n.channel, "error", err)
		return n
	}
	if archived {
		logger.Warn("slack channel is archived; notifications are disabled", "channel", n.channel)
		return NopNotifier{}
	}
	return n
}
