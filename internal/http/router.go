// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"courierdispatch/internal/http/handlers"
	"courierdispatch/internal/http/middleware"
	"courierdispatch/internal/infra"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
)

type RouterDeps struct {
	Verifier    infra.TokenVerifier
	Directory   *courier.Directory
	Orders      *order.Service
	Coordinator *dispatch.Coordinator
	Triggers    *dispatch.Triggers
	Hub         *notify.Hub
	Log         logrus.FieldLogger
	// Metrics and Gatherer are optional; /metrics is only mounted with a gatherer.
	Metrics  *metrics.HTTP
	Gatherer prometheus.Gatherer
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log, d.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	courierH := handlers.NewCourierHandler(d.Directory, d.Coordinator, d.Triggers, d.Orders, d.Log)
	orderH := handlers.NewOrderHandler(d.Orders, d.Triggers)
	deliveryH := handlers.NewDeliveryHandler(d.Triggers)
	socketH := handlers.NewSocketHandler(d.Hub, d.Directory, d.Coordinator, d.Log)

	r.GET("/ws", middleware.Auth(d.Verifier), socketH.Serve)

	api := r.Group("/api", middleware.Auth(d.Verifier))

	couriers := api.Group("", middleware.RequireRole(middleware.RoleCourier))
	couriers.PUT("/couriers/me/profile", courierH.UpdateProfile)
	couriers.PUT("/couriers/me/location", courierH.UpdateLocation)
	couriers.GET("/couriers/me/assignments", courierH.PendingOffers)
	couriers.GET("/couriers/me/current", courierH.CurrentJob)
	couriers.GET("/couriers/me/deliveries/today", courierH.TodayDeliveries)
	couriers.POST("/assignments/:id/accept", courierH.Accept)
	couriers.POST("/orders/:id/lines/:lineId/delivery-otp", deliveryH.SendOTP)
	couriers.POST("/orders/:id/lines/:lineId/delivery-otp/verify", deliveryH.VerifyOTP)

	owners := api.Group("", middleware.RequireRole(middleware.RoleOwner))
	owners.PUT("/orders/:id/lines/:lineId/status", orderH.UpdateLineStatus)

	service := api.Group("", middleware.RequireRole(middleware.RoleService))
	service.POST("/orders", orderH.Create)
	service.POST("/orders/:id/confirm", orderH.Confirm)
	service.POST("/orders/:id/payment-verified", orderH.PaymentVerified)

	return r
}
