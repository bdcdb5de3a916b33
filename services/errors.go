package services

import "errors"

var (
	// ErrConflict は同じ issue にアサインが既に存在する
	ErrConflict = errors.New("assignment already exists")

	// ErrNotFound はトラッカー上に issue が存在しない (404/410)
	// ローカルのレコードを削除して解決し、リトライしない
	ErrNotFound = errors.New("issue not found")

	// ErrTransient はネットワーク障害やレート制限などの一時的なトラッカーエラー
	ErrTransient = errors.New("transient tracker error")

	// ErrUnauthorized はメンテナー以外が /extend を実行した
	ErrUnauthorized = errors.New("not authorized")

	// ErrInvalidFormat は /extend-<n><h|m> の形式が不正
	ErrInvalidFormat = errors.New("invalid extension format")

	// ErrInvalidExtension は延長時間が 0 以下
	ErrInvalidExtension = errors.New("extension must be positive")
)
