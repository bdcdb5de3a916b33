package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"issue-assign-bot/models"
)

// BlockRegistry はユーザーのブロック (クールダウン) を管理する
// 期限切れの行は IsBlocked で無視されるだけで、PurgeExpired まで残る
type BlockRegistry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewBlockRegistry(db *gorm.DB) *BlockRegistry {
	return &BlockRegistry{db: db, now: time.Now}
}

func (r *BlockRegistry) scoped(ctx context.Context, scope models.BlockScope, user string) *gorm.DB {
	owner, name, issue := scope.Key()
	return r.db.WithContext(ctx).Where("username = ? AND repo_owner = ? AND repo_name = ? AND issue_number = ?", user, owner, name, issue)
}

func (r *BlockRegistry) IsBlocked(ctx context.Context, scope models.BlockScope, user string) (bool, error) {
	until, err := r.BlockedUntil(ctx, scope, user)
	if err != nil {
		return false, err
	}
	return r.now().Before(until), nil
}

// BlockedUntil はブロックの終了時刻を返す。ブロックがなければゼロ値
func (r *BlockRegistry) BlockedUntil(ctx context.Context, scope models.BlockScope, user string) (time.Time, error) {
	var b models.Block
	err := r.scoped(ctx, scope, user).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get block: %w", err)
	}
	return b.BlockedUntil, nil
}

// Block は now + d までブロックする
// 既存のブロックは延長せずに上書きする
func (r *BlockRegistry) Block(ctx context.Context, scope models.BlockScope, user string, d time.Duration) (time.Time, error) {
	owner, name, issue := scope.Key()
	b := models.Block{
		Username:     user,
		RepoOwner:    owner,
		RepoName:     name,
		IssueNumber:  issue,
		BlockedUntil: r.now().Add(d).UTC(),
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&b).Error; err != nil {
		return time.Time{}, fmt.Errorf("failed to block user: %w", err)
	}
	return b.BlockedUntil, nil
}

func (r *BlockRegistry) Clear(ctx context.Context, scope models.BlockScope, user string) error {
	if err := r.scoped(ctx, scope, user).Delete(&models.Block{}).Error; err != nil {
		return fmt.Errorf("failed to clear block: %w", err)
	}
	return nil
}

// PurgeExpired は期限切れのブロックを削除し、削除件数を返す
func (r *BlockRegistry) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("blocked_until <= ?", now.UTC()).Delete(&models.Block{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge expired blocks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Active はユーザーの有効なブロックを返す
func (r *BlockRegistry) Active(ctx context.Context, user string) ([]models.Block, error) {
	var blocks []models.Block
	err := r.db.WithContext(ctx).
		Where("username = ? AND blocked_until > ?", user, r.now().UTC()).
		Order("blocked_until ASC").
		Find(&blocks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	return blocks, nil
}
