package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/config"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/hub"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/service"
)

func NewRouter(svc *service.OpportunityService, h *hub.Hub, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc)

	// Persistent-connection endpoint; the hub owns everything past upgrade.
	r.GET("/ws", func(c *gin.Context) {
		h.ServeWS(c.Writer, c.Request)
	})
	return r
}
