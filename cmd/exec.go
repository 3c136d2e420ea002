package cmd

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/stripe/stripe-go"

	"eventpass/config"
	"eventpass/internal/handlers"
	"eventpass/internal/qr"
	"eventpass/internal/services"
	"eventpass/internal/store"
	_ "eventpass/migrations"
	"eventpass/monitoring"
	"eventpass/security"
	"eventpass/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	// Stripe uses a process-wide key
	stripe.Key = cfg.StripeSecretKey

	// Initialize services
	codec := qr.NewCodec(cfg.BaseURL, false)
	ticketStore := store.NewPBTicketStore(app)
	lifecycle := services.NewLifecycleService(ticketStore, redisClient, cfg.DraftTTL)
	notify := services.NewNotifyService(
		services.NewMailerSendSender(cfg.MailerSendAPIKey, cfg.FromName, cfg.FromEmail),
		codec,
	)
	gate := services.NewPaymentGate(redisClient, pn, lifecycle, notify, cfg.Currency, cfg.PremiumPrice, cfg.PaymentTimeout)
	lifecycle.SetPaymentGate(gate)

	// Initialize handlers
	ticketHandler := handlers.NewTicketHandler(app, lifecycle, notify, codec, pn)
	scanHandler := handlers.NewScanHandler(app, lifecycle, codec, pn, cfg.DocumentScales)
	paymentHandler := handlers.NewPaymentHandler(app, gate, cfg.StripeWebhookSecret)

	rateLimiter := security.NewRateLimiter(redisClient, cfg.ScanRateLimit, cfg.ScanRateWindow)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Metrics
	if cfg.EnableMetrics {
		monitoring.NewMonitor(redisClient)
		go serveMetrics(cfg.MetricsPort)
	}

	// Claim anonymous tickets as soon as an account exists for their email
	app.OnRecordAfterCreateSuccess("users").BindFunc(func(e *core.RecordEvent) error {
		email := e.Record.GetString("email")
		if email != "" {
			if _, err := lifecycle.ClaimAnonymousTickets(context.Background(), email, e.Record.Id); err != nil {
				slog.Warn("claim on signup failed", "email", email, "error", err)
			}
		}
		return e.Next()
	})

	// Setup graceful shutdown
	go handleShutdown()

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Ticket endpoints
		e.Router.POST("/api/v1/tickets", ticketHandler.CreateTicket)
		e.Router.POST("/api/v1/tickets/resume", ticketHandler.ResumeDraft)
		e.Router.GET("/api/v1/tickets", ticketHandler.ListTickets)
		e.Router.GET("/api/v1/tickets/{reference}", ticketHandler.GetTicket)
		e.Router.POST("/api/v1/tickets/{reference}/check-in", ticketHandler.CheckInTicket)

		// Scan endpoints
		e.Router.POST("/api/v1/scan/image", scanHandler.ScanImage).BindFunc(rateLimiter.ScanLimit())
		e.Router.POST("/api/v1/scan/document", scanHandler.ScanDocument).BindFunc(rateLimiter.ScanLimit())
		e.Router.POST("/api/v1/scan/frame", scanHandler.ScanFrame).BindFunc(rateLimiter.ScanLimit())

		// Payment endpoints
		e.Router.POST("/api/v1/payments/webhook", paymentHandler.StripeWebhook)
		e.Router.GET("/api/v1/payments/{sessionId}/status", paymentHandler.CheckPaymentStatus)
		e.Router.POST("/api/v1/payments/{sessionId}/cancel", paymentHandler.CancelPayment)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("Metrics listening on :%s", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
}
