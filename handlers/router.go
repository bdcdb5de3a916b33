package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"issue-assign-bot/services"
)

// RouterDeps は HTTP ルートが参照するコンポーネント
type RouterDeps struct {
	Bot                *services.Bot
	Mappings           *services.UserMappings
	WebhookSecret      string
	SlackSigningSecret string
	AdminToken         string
	Gatherer           prometheus.Gatherer
	Logger             services.Logger
}

// NewRouter は webhook, ヘルスチェック, メトリクス, 管理用のルートを登録する
// Slack の署名シークレットがなければスラッシュコマンドを、
// 管理用トークンがなければ /admin/sweep を登録しない
func NewRouter(d RouterDeps) *gin.Engine {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/webhook", HandleGitHubWebhook(d.Bot.Engine, d.WebhookSecret, d.Logger))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	if d.AdminToken != "" {
		r.POST("/admin/sweep", requireBearer(d.AdminToken), HandleSweep(d.Bot.Scheduler))
	}

	if d.SlackSigningSecret != "" && d.Mappings != nil {
		r.POST("/slack/command", HandleSlackCommand(SlackCommandDeps{
			SigningSecret: d.SlackSigningSecret,
			Mappings:      d.Mappings,
			Bot:           d.Bot,
			Logger:        d.Logger,
		}))
	}

	return r
}

// requireBearer は Authorization: Bearer <token> が一致しないリクエストを拒否する
func requireBearer(token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// HandleSweep はスイープを 1 回実行して結果を返す
// 定期実行中なら新しく始めずにその結果を待つ
func HandleSweep(scheduler *services.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := scheduler.Sweep(context.WithoutCancel(c.Request.Context()))
		c.JSON(http.StatusOK, report)
	}
}
