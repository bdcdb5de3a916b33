package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v68/github"

	"issue-assign-bot/services"
)

// HandleGitHubWebhook は issues / issue_comment / pull_request イベントをエンジンに渡す
// secret が空なら署名は検証しない
func HandleGitHubWebhook(engine *services.Engine, secret string, logger services.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := github.ValidatePayload(c.Request, []byte(secret))
		if err != nil {
			logger.Warn("invalid webhook payload", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		event, err := github.ParseWebHook(github.WebHookType(c.Request), payload)
		if err != nil {
			logger.Warn("cannot parse webhook", "event", github.WebHookType(c.Request), "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot parse webhook"})
			return
		}

		// GitHub が接続を切ってもキュー処理は最後まで行う
		ctx := context.WithoutCancel(c.Request.Context())

		switch e := event.(type) {
		case *github.IssueCommentEvent:
			if e.GetAction() == "created" {
				handleIssueComment(ctx, c, engine, logger, e)
				return
			}
		case *github.IssuesEvent:
			switch e.GetAction() {
			case "opened":
				engine.HandleIssueOpened(ctx, repoRef(e.GetRepo()), e.GetIssue().GetNumber())
			case "closed":
				engine.HandleIssueClosed(ctx, repoRef(e.GetRepo()), e.GetIssue().GetNumber())
			}
		case *github.PullRequestEvent:
			if e.GetAction() == "closed" && e.GetPullRequest().GetMerged() {
				engine.HandlePullRequestMerged(ctx, pullRequestEvent(e))
			}
		}

		c.Status(http.StatusOK)
	}
}

func handleIssueComment(ctx context.Context, c *gin.Context, engine *services.Engine, logger services.Logger, e *github.IssueCommentEvent) {
	if isBot(e.GetComment().GetUser()) {
		c.Status(http.StatusOK)
		return
	}
	if e.GetIssue().IsPullRequest() {
		c.JSON(http.StatusOK, gin.H{"message": "pull request comments are ignored"})
		return
	}

	ev := commentEvent(e)
	reply := engine.HandleComment(ctx, ev)
	if reply.Kind != services.ReplyNone {
		logger.Info("command handled", "repo", ev.Repo.FullName(), "issue", ev.Issue, "user", ev.Sender, "reply", reply.Kind)
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply.Kind})
}
