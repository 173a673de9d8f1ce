package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/MassSender/pkg/metrics"
)

func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/campaigns/validate", h.ValidateTemplate)
	r.POST("/campaigns/:id/send", h.SendCampaign)
	r.POST("/campaigns/:id/preview", h.PreviewCampaign)

	r.POST("/recovery/run", h.RunRecovery)
	r.POST("/redistribute", h.Redistribute)
	r.POST("/auto-campaign/run", h.RunAutoCampaign)

	r.GET("/sessions/available", h.AvailableSessions)
	r.POST("/sessions/:id/start", h.StartSession)
	r.POST("/sessions/:id/stop", h.StopSession)
	r.GET("/sessions/:id/qr", h.SessionQR)

	r.POST("/webhooks/gateway", h.GatewayWebhook)
	if h.Hub != nil {
		r.GET("/ws", gin.WrapH(h.Hub))
	}
	return r
}

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: NewRouter(h),
	}
}
