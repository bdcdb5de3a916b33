package models

import (
	"time"
)

// Assignment は 1 つの issue に対する有効なアサイン
// (repo_owner, repo_name, issue_number) ごとに最大 1 件
type Assignment struct {
	ID          string    `gorm:"primaryKey"`
	RepoOwner   string    `gorm:"index:idx_assignment_issue,unique;not null"`
	RepoName    string    `gorm:"index:idx_assignment_issue,unique;not null"`
	IssueNumber int       `gorm:"index:idx_assignment_issue,unique;not null"`
	Assignee    string    `gorm:"index;not null"`
	Deadline    time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
}

func (a Assignment) Repo() RepoRef {
	return RepoRef{Owner: a.RepoOwner, Name: a.RepoName}
}

// IsOverdue は期限を過ぎているかを返す
func (a Assignment) IsOverdue(now time.Time) bool {
	return a.Deadline.Before(now)
}
