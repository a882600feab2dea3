package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/boatride/slot-booking-backend/internal/config"
	"github.com/boatride/slot-booking-backend/internal/database"
	"github.com/boatride/slot-booking-backend/internal/models"
	"github.com/boatride/slot-booking-backend/internal/services"
	"github.com/boatride/slot-booking-backend/pkg/events"
	"github.com/boatride/slot-booking-backend/pkg/lock"
	"github.com/boatride/slot-booking-backend/pkg/payment"
)

// Runs one hold reconciliation pass against the database, or lists what
// a pass would touch with -dry-run. -hold prints one hold's audit trail.
func main() {
	var (
		dbURLFlag     string
		dryRun        bool
		grace         time.Duration
		cancelExpired bool
		holdFlag      string
	)
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&dryRun, "dry-run", true, "only list what would be reconciled")
	flag.DurationVar(&grace, "grace", 10*time.Minute, "ignore holds younger than this")
	flag.BoolVar(&cancelExpired, "cancel-expired", true, "cancel OPEN slots whose start time passed")
	flag.StringVar(&holdFlag, "hold", "", "print the audit trail of this hold and exit")
	flag.Parse()

	// Optional .env so secrets stay off the command line
	_ = godotenv.Load()

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := database.NewConnection(config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     5,
		MaxIdleConnections: 2,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	slots := database.NewSlotRepository(db.DB)
	holds := database.NewHoldRepository(db.DB)
	audits := database.NewHoldAuditRepository(db.DB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if holdFlag != "" {
		holdID, err := uuid.Parse(holdFlag)
		if err != nil {
			log.Fatalf("invalid hold id: %v", err)
		}
		trail, err := audits.GetByHoldID(ctx, holdID)
		if err != nil {
			log.Fatalf("failed to load audit trail: %v", err)
		}
		printJSON(trail)
		return
	}

	var processor payment.Processor
	if dryRun {
		processor = payment.NewSandboxProcessor()
	} else {
		publicKey, secretKey := os.Getenv("OMISE_PUBLIC_KEY"), os.Getenv("OMISE_SECRET_KEY")
		if publicKey == "" || secretKey == "" {
			log.Fatal("OMISE_PUBLIC_KEY and OMISE_SECRET_KEY are required unless -dry-run is set")
		}
		processor, err = payment.NewOmiseProcessor(payment.OmiseConfig{PublicKey: publicKey, SecretKey: secretKey}, logger)
		if err != nil {
			log.Fatalf("failed to create payment processor: %v", err)
		}
	}

	// Share the server's Redis locks so this run never settles a hold the
	// server is working on
	var locker lock.Locker = lock.NewLocalLocker()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		client, err := lock.NewRedisClient(ctx, addr, os.Getenv("REDIS_PASSWORD"), redisDB)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client, "slot-booking:", logger)
	} else if !dryRun {
		log.Println("REDIS_ADDR not set, locks do not cover running servers")
	}

	payments := services.NewPaymentCoordinator(holds, audits, processor, locker, services.PaymentCoordinatorConfig{}, logger)
	orchestrator := services.NewBookingOrchestratorService(
		slots,
		services.NewSeatLedger(slots, logger),
		services.NewSlotStateMachine(slots, logger),
		payments,
		holds,
		locker,
		events.NoopPublisher{},
		noBroadcast{},
		services.DefaultOrchestratorConfig(),
		logger,
	)
	reconciler := services.NewHoldReconcilerService(slots, holds, payments, orchestrator, locker, services.HoldReconcilerConfig{
		GracePeriod:       grace,
		AutoCancelExpired: cancelExpired,
	}, logger)

	var out interface{}
	if dryRun {
		out, err = reconciler.Preview(ctx)
	} else {
		out, err = reconciler.RunOnce(ctx)
	}
	if err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}

	printJSON(out)
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

type noBroadcast struct{}

func (noBroadcast) BroadcastSlot(*models.Slot) {}
