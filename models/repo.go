package models

import "fmt"

// RepoRef はリポジトリを owner と name の組で表す
// "owner/name" 文字列を分割して復元することはしない
type RepoRef struct {
	Owner string
	Name  string
}

// FullName は表示用の "owner/name" を返す
func (r RepoRef) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

func (r RepoRef) IsZero() bool {
	return r.Owner == "" && r.Name == ""
}
