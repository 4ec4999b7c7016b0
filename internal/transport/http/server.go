package http

import (
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomchat-server/internal/config"
	"github.com/vovakirdan/roomchat-server/internal/core"
)

// Hub is the part of core.Hub the HTTP layer needs.
type Hub interface {
	Serve(conn core.Conn)
	Stats() core.Stats
}

// NewRouter builds the gin engine with health, stats and WebSocket routes.
func NewRouter(hub Hub, cfg config.Config, logger *zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)
	router.GET("/api/stats", statsHandler(hub))
	router.GET("/ws", gin.WrapH(NewWSHandler(hub, cfg.ReadTimeout, logger)))
	return router
}

// NewServer builds the HTTP server listening on cfg.HTTPAddr.
func NewServer(hub Hub, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(hub, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}

func statsHandler(hub Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, hub.Stats())
	}
}
