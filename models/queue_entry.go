package models

import (
	"time"
)

// QueueEntry は上限に達したユーザーの保留中のアサイン要求
type QueueEntry struct {
	ID          string `gorm:"primaryKey"`
	Username    string `gorm:"index:idx_queue_user_order;not null"`
	RepoOwner   string `gorm:"not null"`
	RepoName    string `gorm:"not null"`
	IssueNumber int    `gorm:"not null"`
	Duration    int64  `gorm:"not null"` // ミリ秒
	RetryCount  int    `gorm:"default:0"`

	// トラッカー障害時のバックオフ状態 (RetryCount とは別管理)
	FailureCount  int `gorm:"default:0"`
	NextAttemptAt *time.Time

	CreatedAt time.Time `gorm:"index:idx_queue_user_order"`
}

func (QueueEntry) TableName() string {
	return "user_queues"
}

func (q QueueEntry) Repo() RepoRef {
	return RepoRef{Owner: q.RepoOwner, Name: q.RepoName}
}

func (q QueueEntry) DurationValue() time.Duration {
	return time.Duration(q.Duration) * time.Millisecond
}

// IsDue はバックオフ待ちでなければ true
func (q QueueEntry) IsDue(now time.Time) bool {
	return q.NextAttemptAt == nil || !q.NextAttemptAt.After(now)
}
