package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/boatride/slot-booking-backend/internal/config"
	"github.com/boatride/slot-booking-backend/internal/database"
	"github.com/boatride/slot-booking-backend/internal/handlers"
	"github.com/boatride/slot-booking-backend/internal/middleware"
	"github.com/boatride/slot-booking-backend/internal/realtime"
	"github.com/boatride/slot-booking-backend/internal/services"
	"github.com/boatride/slot-booking-backend/pkg/events"
	"github.com/boatride/slot-booking-backend/pkg/jwt"
	"github.com/boatride/slot-booking-backend/pkg/lock"
	"github.com/boatride/slot-booking-backend/pkg/obs"
	"github.com/boatride/slot-booking-backend/pkg/payment"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// stores bundles the persistence backends selected by configuration
type stores struct {
	slots  services.SlotStore
	holds  services.HoldStore
	audits services.HoldAuditLog
	feed   services.SlotChangeFeed
	db     database.DB // nil for the memory store
	close  func()
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting slot booking backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Tracing
	shutdownTracer := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		shutdownTracer, err = obs.InitTracer(rootCtx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Server.Environment)
		if err != nil {
			logger.Fatalf("Failed to initialize tracing: %v", err)
		}
		logger.WithField("endpoint", cfg.Tracing.Endpoint).Info("Tracing enabled")
	}

	// Storage
	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open stores: %v", err)
	}
	defer st.close()

	// Payment processor
	processor, err := newProcessor(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize payment processor: %v", err)
	}

	// Booking lock
	locker, closeLocker, err := newLocker(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize booking lock: %v", err)
	}
	defer closeLocker()

	// Event publisher
	var publisher services.EventPublisher = events.NoopPublisher{}
	if cfg.Broker.URL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.Broker.URL, cfg.Broker.Exchange, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to message broker: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
		logger.WithField("exchange", cfg.Broker.Exchange).Info("Slot events publishing enabled")
	} else {
		logger.Warn("RABBITMQ_URL not set, slot events will not be published")
	}

	// Live updates
	hub := realtime.NewHub(logger)
	go hub.Run(rootCtx)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	ledger := services.NewSeatLedger(st.slots, logger)
	machine := services.NewSlotStateMachine(st.slots, logger)
	payments := services.NewPaymentCoordinator(st.holds, st.audits, processor, locker, services.PaymentCoordinatorConfig{
		SettleConcurrency: cfg.Payment.SettleConcurrency,
		CallTimeout:       cfg.Payment.CallTimeout,
		HoldLockTTL:       cfg.Payment.CallTimeout + cfg.Redis.LockTTL,
	}, logger)

	orchestrator := services.NewBookingOrchestratorService(
		st.slots,
		ledger,
		machine,
		payments,
		st.holds,
		locker,
		publisher,
		hub,
		services.BookingOrchestratorConfig{
			AuthorizeRetries: cfg.Booking.AuthorizeRetries,
			RetryBackoff:     cfg.Booking.RetryBackoff,
			LockTTL:          cfg.Redis.LockTTL,
			DefaultCurrency:  cfg.Payment.DefaultCurrency,
		},
		logger,
	)

	statusListener := services.NewSlotStatusListener(st.feed, machine, hub, logger)
	go statusListener.Run(rootCtx)

	reconciler := services.NewHoldReconcilerService(st.slots, st.holds, payments, orchestrator, locker, services.HoldReconcilerConfig{
		GracePeriod:       cfg.Booking.HoldGracePeriod,
		AutoCancelExpired: cfg.Booking.AutoCancelExpired,
		LockTTL:           cfg.Redis.LockTTL,
	}, logger)
	cronService := services.NewCronService(reconciler, cfg.Booking.ReconcileSchedule, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORS.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(st.db, cronService))

	v1 := router.Group("/api/v1")
	handlers.RegisterRoutes(v1, handlers.Handlers{
		Booking:  handlers.NewBookingHandler(orchestrator, logger),
		Operator: handlers.NewOperatorSlotHandler(orchestrator, logger),
		Live:     handlers.NewLiveSlotHandler(orchestrator, hub, cfg.CORS.AllowedOrigins, logger),
	}, jwtService, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop accepting bookings before the background workers go away
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Stopping cron service...")
	cronService.Stop()

	stop()

	if err := shutdownTracer(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}

	logger.Info("Server exited successfully")
}

func openStores(cfg *config.Config, logger *logrus.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store; data is lost on restart")
		mem := database.NewMemoryStore()
		return &stores{slots: mem, holds: mem, audits: mem, feed: mem, close: func() {}}, nil
	}

	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connection established")

	listener, err := database.NewSlotChangeListener(cfg.Database.URL, cfg.Database.ListenChannel, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	listenerCtx, stopListener := context.WithCancel(context.Background())
	go listener.Run(listenerCtx)

	return &stores{
		slots:  database.NewSlotRepository(db.DB),
		holds:  database.NewHoldRepository(db.DB),
		audits: database.NewHoldAuditRepository(db.DB, logger),
		feed:   listener,
		db:     db,
		close: func() {
			stopListener()
			listener.Close()
			db.Close()
		},
	}, nil
}

func newProcessor(cfg *config.Config, logger *logrus.Logger) (payment.Processor, error) {
	switch cfg.Payment.Provider {
	case "omise":
		return payment.NewOmiseProcessor(payment.OmiseConfig{
			PublicKey: cfg.Payment.OmisePublicKey,
			SecretKey: cfg.Payment.OmiseSecretKey,
			Timeout:   cfg.Payment.CallTimeout,
		}, logger)
	default:
		logger.Warn("Using sandbox payment processor")
		return payment.NewSandboxProcessor(), nil
	}
}

func newLocker(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set, booking locks are local to this process")
		return lock.NewLocalLocker(), func() {}, nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("addr", cfg.Redis.Addr).Info("Redis booking locks enabled")
	return lock.NewRedisLocker(client, "slot-booking:", logger), func() { client.Close() }, nil
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB, cronService *services.CronService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbStatus := "memory"
		if db != nil {
			dbStatus = "healthy"
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":   "unhealthy",
					"database": "unhealthy",
					"error":    err.Error(),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  dbStatus,
			"jobs":      cronService.GetJobStatus(),
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
