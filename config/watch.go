package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPolicy はポリシーファイルの変更を監視し、読み直したポリシーで
// maintainers を差し替えたうえで onReload を呼ぶ
// エディタの rename 保存にも対応するためディレクトリごと監視する
// ctx がキャンセルされるまでブロックする
func WatchPolicy(ctx context.Context, path string, maintainers *Maintainers, onReload func(Policy), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			policy, err := LoadPolicy(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			maintainers.Replace(policy.Maintainers)
			if onReload != nil {
				onReload(policy)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
