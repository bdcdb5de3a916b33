package handlers

import (
	"github.com/google/go-github/v68/github"

	"issue-assign-bot/models"
	"issue-assign-bot/services"
)

func repoRef(repo *github.Repository) models.RepoRef {
	return models.RepoRef{
		Owner: repo.GetOwner().GetLogin(),
		Name:  repo.GetName(),
	}
}

func labelNames(labels []*github.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.GetName())
	}
	return names
}

// commentEvent は issue_comment イベントをエンジンの入力に変換する
func commentEvent(e *github.IssueCommentEvent) services.CommentEvent {
	return services.CommentEvent{
		Repo:   repoRef(e.GetRepo()),
		Issue:  e.GetIssue().GetNumber(),
		Sender: e.GetComment().GetUser().GetLogin(),
		Body:   e.GetComment().GetBody(),
		Labels: labelNames(e.GetIssue().Labels),
	}
}

func pullRequestEvent(e *github.PullRequestEvent) services.PullRequestEvent {
	pr := e.GetPullRequest()
	return services.PullRequestEvent{
		Repo:   repoRef(e.GetRepo()),
		Number: pr.GetNumber(),
		Author: pr.GetUser().GetLogin(),
		Body:   pr.GetBody(),
	}
}

// isBot はボット自身の投稿などで再帰的にコマンドが走らないようにする
func isBot(u *github.User) bool {
	return u.GetType() == "Bot"
}
