package http

import (
	"context"

	"github.com/dkeye/Studio/internal/adapters/auth"
	"github.com/dkeye/Studio/internal/adapters/signal"
	"github.com/dkeye/Studio/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, api *API, gateway *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions(auth.SessionName, store))

	r.Static("/static", cfg.StaticPath)

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.GET("/health", api.health)
	r.GET("/sessions", api.listSessions)
	r.GET("/sessions/:id", api.sessionStats)

	apiGroup := r.Group("/api")
	apiGroup.POST("/auth/login", api.login)
	apiGroup.GET("/sessions/invite/:token", api.getInvite)
	apiGroup.POST("/sessions/invite/:token/join", api.joinInvite)

	authed := apiGroup.Group("/", api.requireIdentity())
	authed.POST("/sessions", api.createSession)
	authed.GET("/sessions/:id", api.getSession)
	authed.PATCH("/sessions/:id/status", api.updateStatus)
	authed.POST("/sessions/:id/kick/:guestId", api.kickGuest)

	apiGroup.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		gateway.HandleSignal(ctx, c)
	})

	return r
}
