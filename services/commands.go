package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CommandKind はコメントコマンドの種類
type CommandKind string

const (
	CommandNone     CommandKind = ""
	CommandAssign   CommandKind = "assign"
	CommandUnassign CommandKind = "unassign"
	CommandExtend   CommandKind = "extend"
)

// Command は解析済みのコメントコマンド
type Command struct {
	Kind CommandKind
	Text string // 前後の空白を除いたコメント本文
}

// ParseCommand はコメント本文の先頭でコマンドを判定する (大文字小文字を区別する)
// コマンドでなければ Kind は CommandNone
func ParseCommand(body string) Command {
	text := strings.TrimSpace(body)
	cmd := Command{Text: text}

	switch {
	case strings.HasPrefix(text, "/assign"):
		cmd.Kind = CommandAssign
	case strings.HasPrefix(text, "/unassign"):
		cmd.Kind = CommandUnassign
	case strings.HasPrefix(text, "/extend-"):
		cmd.Kind = CommandExtend
	}
	return cmd
}

var extendPattern = regexp.MustCompile(`/extend-(\d+)([hm])`)

// Extension は /extend-<n><h|m> の延長時間
type Extension struct {
	Value int
	Unit  string
}

func (e Extension) Duration() time.Duration {
	if e.Unit == "h" {
		return time.Duration(e.Value) * time.Hour
	}
	return time.Duration(e.Value) * time.Minute
}

// String は "2h" や "30m" のようにコマンドで指定された表記を返す
func (e Extension) String() string {
	return fmt.Sprintf("%d%s", e.Value, e.Unit)
}

// ParseExtension は /extend コマンドから延長時間を取り出す
// 形式が違えば ErrInvalidFormat、0 なら ErrInvalidExtension を返す
func ParseExtension(text string) (Extension, error) {
	m := extendPattern.FindStringSubmatch(text)
	if m == nil {
		return Extension{}, fmt.Errorf("%w: %q", ErrInvalidFormat, text)
	}

	value, err := strconv.Atoi(m[1])
	if err != nil || value > 100000 {
		return Extension{}, fmt.Errorf("%w: %q", ErrInvalidFormat, text)
	}
	if value <= 0 {
		return Extension{}, fmt.Errorf("%w: %q", ErrInvalidExtension, text)
	}
	return Extension{Value: value, Unit: m[2]}, nil
}
