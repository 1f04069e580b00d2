package donation_gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/youthshield-donations/internal/donation_gateway/handler"
	"github.com/youthshield-donations/internal/donation_gateway/middleware"
)

// setupRouter configures donation, provider callback and operational routes
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	donationHandler *handler.DonationHandler,
	notificationHandler *handler.NotificationHandler,
	metricsHandler http.Handler,
) {
	r.Use(middleware.CorrelationID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))

	donations := r.Group("/donations")
	{
		donations.POST("/", donationHandler.Create)
		donations.GET("/:id", donationHandler.GetByID)
		donations.GET("/:id/receipt", donationHandler.GetReceipt)

		// Provider callbacks and redirects
		donations.POST("/mpesa-callback/", notificationHandler.MpesaCallback)
		donations.POST("/stripe-webhook/", notificationHandler.StripeWebhook)
		donations.GET("/paypal-success/:id/", notificationHandler.PayPalSuccess)
		donations.POST("/paypal-success/:id/", notificationHandler.PayPalSuccess)
		donations.GET("/paypal-cancel/:id/", notificationHandler.PayPalCancel)
		donations.POST("/paypal-cancel/:id/", notificationHandler.PayPalCancel)
	}

	// Health check endpoint for monitoring
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})

	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}
}
