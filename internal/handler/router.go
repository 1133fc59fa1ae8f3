package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// logger first so a recovered panic is logged with the request id
	r.Use(LoggerMiddleware(logger))
	r.Use(RecoveryMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		orders := api.Group("/orders")
		{
			orders.POST("", h.CreateOrder)
			orders.GET("/:reference", h.GetOrder)
			orders.GET("/:reference/status", h.GetOrderStatus)
		}

		api.POST("/webhooks/gateway", h.GatewayWebhook)

		memberships := api.Group("/memberships")
		{
			memberships.POST("/cancel", h.CancelMembership)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
