// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driveup/internal/http/handlers"
	"driveup/internal/http/middleware"
)

func newRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logging(deps.Logger), middleware.Recovery(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(deps.Verifier)

	driverHandler := handlers.NewDriverHandler(deps.Matching)
	driver := r.Group("/driver", auth)
	driver.POST("/request-drives", driverHandler.RequestDrives)
	driver.POST("/accept-drive", driverHandler.AcceptDrive)
	driver.POST("/reject-drives", driverHandler.RejectDrives)
	driver.POST("/finish-drive/:id", driverHandler.FinishDrive)
	driver.GET("/drive-details/:id", driverHandler.DriveDetails)
	driver.GET("/drive-details-preview/:id", driverHandler.DriveDetailsPreview)

	passengerHandler := handlers.NewPassengerHandler(deps.Orders, deps.Location)
	passenger := r.Group("/passenger", auth)
	passenger.POST("/order-drive", passengerHandler.OrderDrive)
	passenger.GET("/get-drive/:id", passengerHandler.GetDrive)
	passenger.DELETE("/cancel-order/:id", passengerHandler.CancelOrder)
	passenger.GET("/order-history", passengerHandler.OrderHistory)

	return r
}
