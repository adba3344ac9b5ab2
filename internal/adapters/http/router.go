package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/adapters/stream"
	"github.com/dkeye/voicebridge/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags every host connection with a cookie token used
// as its id in logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, bridge Bridge, events *stream.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceBridgeSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{bridge: bridge, timeout: cfg.CommandTimeout}
	api := r.Group("/api")

	api.GET("/status", h.status)
	api.POST("/token", h.setToken)
	api.POST("/connect", h.connect)
	api.POST("/disconnect", h.disconnect)
	api.POST("/mute/input", h.muteInput)
	api.POST("/mute/output", h.muteOutput)

	api.GET("/devices", h.devices)
	api.POST("/devices/input", h.setInputDevice)
	api.POST("/devices/output", h.setOutputDevice)

	api.GET("/participants", h.participants)
	api.POST("/viewpoint", h.viewpoint)

	api.GET("/videos", h.videos)
	api.POST("/videos/:track/bind", h.bindMaterial)
	api.POST("/videos/:track/unbind", h.unbindMaterial)

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		events.Handle(ctx, c)
	})

	return r
}
