package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/inkwellhq/inkwell"
	"github.com/inkwellhq/inkwell/api/middleware"
	"github.com/inkwellhq/inkwell/config"
)

type Api struct {
	inkwell *inkwell.Inkwell
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/reservations", a.CreateReservation)
	router.GET("/reservations/:id", a.GetReservation)
	router.POST("/reservations/:id/capture", a.CaptureReservation)
	router.POST("/reservations/:id/release", a.ReleaseReservation)
	router.GET("/users/:user_id/reservations", a.GetUserReservations)

	router.POST("/accounts", a.CreateAccount)

	router.POST("/publish", a.PublishDocument)

	router.POST("/workers/drain-retry-queue", a.DrainRetryQueue)
	router.POST("/workers/reconcile-reservations", a.ReconcileReservations)
	return a.router
}

func NewAPI(i *inkwell.Inkwell) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("INKWELL"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		payload := gin.H{
			"status":         "server running...",
			"ledger_breaker": i.LedgerClient().Breaker().State(),
		}
		// The alert queue only exists once something was queued on it.
		if pending, err := i.PendingAlerts(); err == nil {
			payload["pending_alerts"] = pending
		}
		c.JSON(http.StatusOK, payload)
	})

	return &Api{inkwell: i, router: r}
}
