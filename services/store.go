package services

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"issue-assign-bot/models"
)

// OpenStore は sqlite のデータベースを開く
// タイマーと webhook が同じファイルに書くので接続は 1 本にまとめる
// gorm のログは log に警告として流す
func OpenStore(path string, log Logger) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Migrate は assignments, user_queues, blocked_users, user_mappings を作成する
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Assignment{},
		&models.QueueEntry{},
		&models.Block{},
		&models.UserMapping{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// gormWriter は gorm のログ行を Logger に渡す
type gormWriter struct {
	log Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn("database", "detail", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// 見つからない行は Get などで普通に起きるので出力しない
func newGormLogger(log Logger) logger.Interface {
	if log == nil {
		log = NopLogger{}
	}
	return logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func issueWhere(db *gorm.DB, repo models.RepoRef, issue int) *gorm.DB {
	return db.Where("repo_owner = ? AND repo_name = ? AND issue_number = ?", repo.Owner, repo.Name, issue)
}
