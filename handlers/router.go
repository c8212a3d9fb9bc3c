package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter は Slack のエンドポイントを登録した gin エンジンを返す
func NewRouter(d *Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.POST("/slack/events", HandleSlackEvents(d))
	r.POST("/slack/command", HandleSlackCommand(d))
	r.POST("/slack/action", HandleSlackAction(d))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
