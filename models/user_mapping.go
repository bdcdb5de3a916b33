package models

import (
	"time"
)

// UserMapping は GitHub username と Slack User ID のマッピングを保持する
// Slack 通知でユーザーをメンションするときに使う
type UserMapping struct {
	ID             string `gorm:"primaryKey"`
	GithubUsername string `gorm:"uniqueIndex;not null"`
	SlackUserID    string `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
