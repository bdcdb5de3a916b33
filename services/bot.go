package services

import (
	"time"

	"gorm.io/gorm"

	"issue-assign-bot/config"
)

// Deps は Bot の組み立てに必要な外部依存
// Notifier, Metrics, Logger, Maintainers は nil なら何もしない実装を使う
type Deps struct {
	DB            *gorm.DB
	Tracker       Tracker
	Notifier      Notifier
	Metrics       Metrics
	Logger        Logger
	Policy        config.Policy
	Maintainers   *config.Maintainers
	SweepInterval time.Duration
}

// Bot はエンジンの各コンポーネントをまとめたもの
type Bot struct {
	Ledger    *Ledger
	Blocks    *BlockRegistry
	Queue     *Queue
	Scheduler *Scheduler
	Engine    *Engine
}

func NewBot(d Deps) *Bot {
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = NopLogger{}
	}
	if d.Maintainers == nil {
		d.Maintainers = config.NewMaintainers(d.Policy.Maintainers)
	}

	ledger := NewLedger(d.DB)
	blocks := NewBlockRegistry(d.DB)
	queue := NewQueue(d.DB, ledger, blocks, d.Notifier, d.Metrics, d.Logger, d.Policy)

	return &Bot{
		Ledger:    ledger,
		Blocks:    blocks,
		Queue:     queue,
		Scheduler: NewScheduler(ledger, blocks, queue, d.Tracker, d.Notifier, d.Metrics, d.Logger, d.Policy, d.SweepInterval),
		Engine:    NewEngine(ledger, blocks, queue, d.Tracker, d.Maintainers, d.Notifier, d.Metrics, d.Logger, d.Policy),
	}
}

// SetClock はテスト用に全コンポーネントの現在時刻を差し替える
func (b *Bot) SetClock(now func() time.Time) {
	b.Blocks.now = now
	b.Queue.now = now
	b.Scheduler.now = now
	b.Engine.now = now
}
