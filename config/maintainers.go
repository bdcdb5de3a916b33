package config

import (
	"sort"
	"strings"
	"sync"
)

// Maintainers は /extend を実行できるユーザーの一覧
// 設定ファイルの再読み込みで差し替えられるので排他制御する
type Maintainers struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewMaintainers(users []string) *Maintainers {
	m := &Maintainers{}
	m.Replace(users)
	return m
}

// Contains は GitHub のログイン名と同様に大文字小文字を区別しない
func (m *Maintainers) Contains(user string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.set[strings.ToLower(strings.TrimSpace(user))]
	return ok
}

func (m *Maintainers) Replace(users []string) {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		u = strings.ToLower(strings.TrimSpace(u))
		if u == "" {
			continue
		}
		set[u] = struct{}{}
	}

	m.mu.Lock()
	m.set = set
	m.mu.Unlock()
}

func (m *Maintainers) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.set))
	for u := range m.set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
