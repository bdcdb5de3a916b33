package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"issue-assign-bot/models"
)

// UserMappings は GitHub ユーザー名と Slack User ID の対応表
// GitHub ユーザー名は小文字で保存する
type UserMappings struct {
	db *gorm.DB
}

func NewUserMappings(db *gorm.DB) *UserMappings {
	return &UserMappings{db: db}
}

func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(login), "@")))
}

// Set は対応を登録する。既にあれば Slack User ID を上書きする
func (m *UserMappings) Set(ctx context.Context, githubUser, slackUserID string) error {
	login := normalizeLogin(githubUser)
	if login == "" || slackUserID == "" {
		return fmt.Errorf("github username and slack user id are required")
	}

	mapping := models.UserMapping{
		ID:             uuid.NewString(),
		GithubUsername: login,
		SlackUserID:    slackUserID,
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "github_username"}},
		DoUpdates: clause.AssignmentColumns([]string{"slack_user_id", "updated_at"}),
	}).Create(&mapping).Error
	if err != nil {
		return fmt.Errorf("failed to save user mapping: %w", err)
	}
	return nil
}

// Delete は対応を削除し、削除したかどうかを返す
func (m *UserMappings) Delete(ctx context.Context, githubUser string) (bool, error) {
	result := m.db.WithContext(ctx).Where("github_username = ?", normalizeLogin(githubUser)).Delete(&models.UserMapping{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete user mapping: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SlackUserID は対応する Slack User ID を返す。なければ空文字
func (m *UserMappings) SlackUserID(ctx context.Context, githubUser string) (string, error) {
	var mapping models.UserMapping
	err := m.db.WithContext(ctx).Where("github_username = ?", normalizeLogin(githubUser)).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user mapping: %w", err)
	}
	return mapping.SlackUserID, nil
}
