package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"issue-assign-bot/models"
)

// Ledger は有効なアサインの台帳
// 完了したアサインは物理削除するので、件数は常に「現在担当中」の数になる
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Add はアサインを登録する
// 同じ issue にアサインがあれば ErrConflict を返すので、先に Remove すること
func (l *Ledger) Add(ctx context.Context, repo models.RepoRef, issue int, user string, deadline time.Time) (*models.Assignment, error) {
	a := models.Assignment{
		ID:          uuid.NewString(),
		RepoOwner:   repo.Owner,
		RepoName:    repo.Name,
		IssueNumber: issue,
		Assignee:    user,
		Deadline:    deadline.UTC(),
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := issueWhere(tx.Model(&models.Assignment{}), repo, issue).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(&a).Error
	})
	if errors.Is(err, ErrConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: %s#%d", ErrConflict, repo.FullName(), issue)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add assignment: %w", err)
	}

	return &a, nil
}

// Remove はアサインを削除する。存在しなければ何もしない
func (l *Ledger) Remove(ctx context.Context, repo models.RepoRef, issue int) error {
	if err := issueWhere(l.db.WithContext(ctx), repo, issue).Delete(&models.Assignment{}).Error; err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}
	return nil
}

// Get はアサインを返す。存在しなければ nil, nil
func (l *Ledger) Get(ctx context.Context, repo models.RepoRef, issue int) (*models.Assignment, error) {
	var a models.Assignment
	err := issueWhere(l.db.WithContext(ctx), repo, issue).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return &a, nil
}

func (l *Ledger) ActiveCount(ctx context.Context, user string) (int, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.Assignment{}).Where("assignee = ?", user).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return int(count), nil
}

// Extend は期限を ext だけ延ばす。アサインがなければ false を返し何も変更しない
func (l *Ledger) Extend(ctx context.Context, repo models.RepoRef, issue int, ext time.Duration) (bool, error) {
	if ext <= 0 {
		return false, ErrInvalidExtension
	}

	extended := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Assignment
		err := issueWhere(tx, repo, issue).First(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&a).Update("deadline", a.Deadline.Add(ext).UTC()).Error; err != nil {
			return err
		}
		extended = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to extend assignment: %w", err)
	}
	return extended, nil
}

// Deadline はアサインの期限を返す。存在しなければ nil
func (l *Ledger) Deadline(ctx context.Context, repo models.RepoRef, issue int) (*time.Time, error) {
	a, err := l.Get(ctx, repo, issue)
	if err != nil || a == nil {
		return nil, err
	}
	return &a.Deadline, nil
}

func (l *Ledger) All(ctx context.Context) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := l.db.WithContext(ctx).Order("deadline ASC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}

// Overdue は now の時点で期限切れのアサインを返す
func (l *Ledger) Overdue(ctx context.Context, now time.Time) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := l.db.WithContext(ctx).Where("deadline < ?", now.UTC()).Order("deadline ASC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("failed to list overdue assignments: %w", err)
	}
	return assignments, nil
}

// ByAssignee はユーザーが担当中のアサインを期限順に返す
func (l *Ledger) ByAssignee(ctx context.Context, user string) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := l.db.WithContext(ctx).Where("assignee = ?", user).Order("deadline ASC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}
