package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"

	"issue-assign-bot/services"
)

const slashCommand = "/assign-bot"

// SlackCommandDeps はスラッシュコマンドが参照するコンポーネント
type SlackCommandDeps struct {
	SigningSecret string
	Mappings      *services.UserMappings
	Bot           *services.Bot
	Logger        services.Logger
}

// Slackのスラッシュコマンドを処理するハンドラ
func HandleSlackCommand(d SlackCommandDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			d.Logger.Warn("failed to read request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		// ボディを復元
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		if err := verifySlackRequest(c.Request.Header, bodyBytes, d.SigningSecret); err != nil {
			d.Logger.Warn("invalid slack signature", "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid slack signature"})
			return
		}

		command := c.PostForm("command")
		text := c.PostForm("text")
		userID := c.PostForm("user_id")

		d.Logger.Info("slack command received", "command", command, "text", text, "user", userID)

		if command != slashCommand {
			c.String(http.StatusOK, fmt.Sprintf("未対応のコマンドです: %s", command))
			return
		}

		parts := parseCommand(text)
		if len(parts) == 0 || parts[0] == "help" {
			showHelp(c)
			return
		}

		switch parts[0] {
		case "map":
			if len(parts) < 3 {
				c.String(http.StatusOK, "GitHub ユーザー名と Slack ユーザーを指定してください。例: "+slashCommand+" map octocat @user")
				return
			}
			mapUser(c, d, parts[1], parts[2])
		case "unmap":
			if len(parts) < 2 {
				c.String(http.StatusOK, "GitHub ユーザー名を指定してください。例: "+slashCommand+" unmap octocat")
				return
			}
			unmapUser(c, d, parts[1])
		case "status":
			if len(parts) < 2 {
				c.String(http.StatusOK, "GitHub ユーザー名を指定してください。例: "+slashCommand+" status octocat")
				return
			}
			showStatus(c, d, parts[1])
		case "sweep":
			report := d.Bot.Scheduler.Sweep(context.WithoutCancel(c.Request.Context()))
			c.String(http.StatusOK, fmt.Sprintf("スイープを実行しました: 期限切れ %d 件、古い行の削除 %d 件、キューから割り当て %d 件",
				report.Expired, report.Stale, report.Drain.Admitted))
		default:
			c.String(http.StatusOK, fmt.Sprintf("不明なサブコマンドです: %s\n%s help で使い方を確認してください。", parts[0], slashCommand))
		}
	}
}

// verifySlackRequest は X-Slack-Signature を署名シークレットで検証する
func verifySlackRequest(header http.Header, body []byte, secret string) error {
	if secret == "" {
		return fmt.Errorf("slack signing secret is not configured")
	}
	verifier, err := slack.NewSecretsVerifier(header, secret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}

// parseCommand はテキストを空白で分割する。クォートで囲んだ部分は 1 つの引数になる
func parseCommand(text string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false
	quoteChar := byte(0)

	for i := 0; i < len(text); i++ {
		char := text[i]

		switch {
		case char == '"' || char == '\'':
			if !inQuote {
				inQuote = true
				quoteChar = char
			} else if char == quoteChar {
				inQuote = false
				quoteChar = 0
			} else {
				// 異なるクォート文字は普通の文字として扱う
				current.WriteByte(char)
			}
		case (char == ' ' || char == '\t') && !inQuote:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}

// ヘルプメッセージを表示
func showHelp(c *gin.Context) {
	help := `*Issue アサインBot コマンド*
コマンド形式: ` + slashCommand + ` サブコマンド [引数]

*ユーザー対応の設定*
- ` + slashCommand + ` map <GitHubユーザー名> @slackユーザー
  通知で Slack ユーザーをメンションします
- ` + slashCommand + ` unmap <GitHubユーザー名>

*状態の確認*
- ` + slashCommand + ` status <GitHubユーザー名>
  担当中の issue、キュー、ブロックを表示します
- ` + slashCommand + ` sweep
  期限切れ処理とキュー消化をすぐに実行します`

	c.String(http.StatusOK, help)
}

// cleanUserID は <@U123|name> や @U123 を Slack User ID に変換する
func cleanUserID(userID string) string {
	userID = strings.TrimSpace(userID)

	if strings.HasPrefix(userID, "<@") && strings.HasSuffix(userID, ">") {
		userID = strings.TrimPrefix(strings.TrimSuffix(userID, ">"), "<@")
		if i := strings.Index(userID, "|"); i >= 0 {
			userID = userID[:i]
		}
		return userID
	}

	return strings.TrimPrefix(userID, "@")
}

func mapUser(c *gin.Context, d SlackCommandDeps, githubUser, slackUser string) {
	slackID := cleanUserID(slackUser)
	if err := d.Mappings.Set(c.Request.Context(), githubUser, slackID); err != nil {
		d.Logger.Error("failed to save user mapping", "github_user", githubUser, "error", err)
		c.String(http.StatusOK, "ユーザー対応の保存に失敗しました。")
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("GitHub ユーザー `%s` を <@%s> に対応付けました。", githubUser, slackID))
}

func unmapUser(c *gin.Context, d SlackCommandDeps, githubUser string) {
	deleted, err := d.Mappings.Delete(c.Request.Context(), githubUser)
	if err != nil {
		d.Logger.Error("failed to delete user mapping", "github_user", githubUser, "error", err)
		c.String(http.StatusOK, "ユーザー対応の削除に失敗しました。")
		return
	}
	if !deleted {
		c.String(http.StatusOK, fmt.Sprintf("GitHub ユーザー `%s` の対応は登録されていません。", githubUser))
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("GitHub ユーザー `%s` の対応を削除しました。", githubUser))
}

func showStatus(c *gin.Context, d SlackCommandDeps, githubUser string) {
	ctx := c.Request.Context()
	user := strings.TrimPrefix(githubUser, "@")

	assignments, err := d.Bot.Ledger.ByAssignee(ctx, user)
	if err != nil {
		d.Logger.Error("failed to list assignments", "user", user, "error", err)
		c.String(http.StatusOK, "状態の取得に失敗しました。")
		return
	}
	entries, err := d.Bot.Queue.Entries(ctx, user)
	if err != nil {
		d.Logger.Error("failed to list queue", "user", user, "error", err)
		c.String(http.StatusOK, "状態の取得に失敗しました。")
		return
	}
	blocks, err := d.Bot.Blocks.Active(ctx, user)
	if err != nil {
		d.Logger.Error("failed to list blocks", "user", user, "error", err)
		c.String(http.StatusOK, "状態の取得に失敗しました。")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*`%s` の状態*\n", user)

	fmt.Fprintf(&b, "\n*担当中 (%d)*\n", len(assignments))
	for _, a := range assignments {
		fmt.Fprintf(&b, "• %s#%d (期限: %s)\n", a.Repo().FullName(), a.IssueNumber, a.Deadline.UTC().Format("2006-01-02 15:04 MST"))
	}

	fmt.Fprintf(&b, "\n*キュー (%d)*\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s#%d (リトライ %d 回)\n", i+1, e.Repo().FullName(), e.IssueNumber, e.RetryCount)
	}

	fmt.Fprintf(&b, "\n*ブロック (%d)*\n", len(blocks))
	for _, bl := range blocks {
		fmt.Fprintf(&b, "• %s (%s まで)\n", bl.Scope(), bl.BlockedUntil.UTC().Format("2006-01-02 15:04 MST"))
	}

	c.String(http.StatusOK, b.String())
}
