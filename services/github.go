package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"issue-assign-bot/models"
)

// NewGitHubClient は GitHub クライアントを作成する
// token が空なら認証なしのクライアントになる
func NewGitHubClient(token string, timeout time.Duration) *github.Client {
	if token == "" {
		return github.NewClient(&http.Client{Timeout: timeout})
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = timeout
	return github.NewClient(tc)
}

// GitHubTracker は go-github を使った Tracker
type GitHubTracker struct {
	client *github.Client
}

var _ Tracker = (*GitHubTracker)(nil)

func NewGitHubTracker(client *github.Client) *GitHubTracker {
	return &GitHubTracker{client: client}
}

func (t *GitHubTracker) GetIssue(ctx context.Context, repo models.RepoRef, number int) (*Issue, error) {
	gi, _, err := t.client.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, classifyGitHubError("get issue", repo, number, err)
	}

	issue := &Issue{
		Number: gi.GetNumber(),
		State:  gi.GetState(),
	}
	for _, u := range gi.Assignees {
		issue.Assignees = append(issue.Assignees, u.GetLogin())
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.GetName())
	}
	return issue, nil
}

func (t *GitHubTracker) AddAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	if _, _, err := t.client.Issues.AddAssignees(ctx, repo.Owner, repo.Name, number, []string{user}); err != nil {
		return classifyGitHubError("add assignee", repo, number, err)
	}
	return nil
}

func (t *GitHubTracker) RemoveAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error {
	if _, _, err := t.client.Issues.RemoveAssignees(ctx, repo.Owner, repo.Name, number, []string{user}); err != nil {
		return classifyGitHubError("remove assignee", repo, number, err)
	}
	return nil
}

// ListComments は全ページのコメントを返す
func (t *GitHubTracker) ListComments(ctx context.Context, repo models.RepoRef, number int) ([]Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var comments []Comment
	for {
		page, resp, err := t.client.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, classifyGitHubError("list comments", repo, number, err)
		}
		for _, c := range page {
			comments = append(comments, Comment{
				ID:   c.GetID(),
				User: c.GetUser().GetLogin(),
				Body: c.GetBody(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

func (t *GitHubTracker) CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) error {
	comment := &github.IssueComment{Body: github.Ptr(body)}
	if _, _, err := t.client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, comment); err != nil {
		return classifyGitHubError("create comment", repo, number, err)
	}
	return nil
}

// classifyGitHubError は 404/410 を ErrNotFound、それ以外を ErrTransient に分類する
func classifyGitHubError(op string, repo models.RepoRef, number int, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s %s#%d: %w: %v", op, repo.FullName(), number, ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s %s#%d: %w: %v", op, repo.FullName(), number, ErrTransient, err)
}
