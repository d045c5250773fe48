// Package httpapi is the bot's optional HTTP surface: a Telegram webhook
// intake and a small JWT-guarded admin API. The chat flows themselves never
// go through it when the bot runs in long-poll mode.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deploybot/internal/deploy"
	"deploybot/internal/telegram"
	"deploybot/internal/user"
)

// Deps carries everything the HTTP surface reads. Updates pushes webhook
// payloads toward the single router goroutine; the handler never blocks on
// a full channel, it drops and reports 200 so Telegram does not retry.
type Deps struct {
	Users         *user.Repo
	Jobs          *deploy.Repo
	Updates       chan<- telegram.Update
	WebhookSecret string
	AdminToken    TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/telegram/webhook", webhookHandler(deps))

	admin := r.Group("/admin")
	admin.Use(RequireAuth(deps.AdminToken))
	admin.GET("/stats", statsHandler(deps))

	return r
}

// webhookHandler validates Telegram's shared-secret header before accepting
// the update. An invalid secret is a 403; anything after that is a 200 so
// Telegram never re-delivers.
func webhookHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.WebhookSecret == "" ||
			c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != deps.WebhookSecret {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		var upd telegram.Update
		if err := c.ShouldBindJSON(&upd); err != nil {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		select {
		case deps.Updates <- upd:
		default:
			// Intake is saturated; dropping is better than a retry storm.
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func statsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := deps.Users.Count(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		byStatus, err := deps.Jobs.CountByStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		jobs := gin.H{}
		for status, n := range byStatus {
			jobs[string(status)] = n
		}
		c.JSON(http.StatusOK, gin.H{
			"connected_users": users,
			"jobs":            jobs,
		})
	}
}
