package models

import (
	"fmt"
	"time"
)

// Block はユーザーのアサイン禁止期間
// グローバルスコープは owner/name を空、issue_number を 0 で保存する
type Block struct {
	Username     string    `gorm:"primaryKey"`
	RepoOwner    string    `gorm:"primaryKey"`
	RepoName     string    `gorm:"primaryKey"`
	IssueNumber  int       `gorm:"primaryKey;autoIncrement:false"`
	BlockedUntil time.Time `gorm:"index;not null"`
}

func (Block) TableName() string {
	return "blocked_users"
}

func (b Block) Scope() BlockScope {
	if b.RepoOwner == "" && b.RepoName == "" && b.IssueNumber == 0 {
		return GlobalScope()
	}
	return IssueScope(RepoRef{Owner: b.RepoOwner, Name: b.RepoName}, b.IssueNumber)
}

// ScopeKind はブロックの適用範囲の種類
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeIssue
)

// BlockScope はブロックの適用範囲
// GlobalScope か IssueScope で作る
type BlockScope struct {
	Kind  ScopeKind
	Repo  RepoRef
	Issue int
}

func GlobalScope() BlockScope {
	return BlockScope{Kind: ScopeGlobal}
}

func IssueScope(repo RepoRef, issue int) BlockScope {
	return BlockScope{Kind: ScopeIssue, Repo: repo, Issue: issue}
}

// Key は blocked_users の主キー列 (ユーザー名を除く) の値を返す
func (s BlockScope) Key() (owner, name string, issue int) {
	if s.Kind == ScopeGlobal {
		return "", "", 0
	}
	return s.Repo.Owner, s.Repo.Name, s.Issue
}

func (s BlockScope) String() string {
	if s.Kind == ScopeGlobal {
		return "global"
	}
	return fmt.Sprintf("%s#%d", s.Repo.FullName(), s.Issue)
}
