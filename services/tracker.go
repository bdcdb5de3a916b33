package services

import (
	"context"
	"strings"

	"issue-assign-bot/models"
)

// Issue はトラッカーから取得した issue の状態
type Issue struct {
	Number    int
	State     string
	Assignees []string
	Labels    []string
}

func (i *Issue) IsOpen() bool {
	return strings.EqualFold(i.State, "open")
}

// HasAssignee はログイン名を大文字小文字を区別せずに比較する
func (i *Issue) HasAssignee(user string) bool {
	for _, a := range i.Assignees {
		if strings.EqualFold(a, user) {
			return true
		}
	}
	return false
}

type Comment struct {
	ID   int64
	User string
	Body string
}

// Tracker は issue トラッカーの API
// 404/410 は ErrNotFound、それ以外の失敗は ErrTransient でラップして返す
type Tracker interface {
	GetIssue(ctx context.Context, repo models.RepoRef, number int) (*Issue, error)
	AddAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error
	RemoveAssignee(ctx context.Context, repo models.RepoRef, number int, user string) error
	ListComments(ctx context.Context, repo models.RepoRef, number int) ([]Comment, error)
	CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) error
}
