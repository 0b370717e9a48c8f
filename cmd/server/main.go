package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/comms"
	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/outbox"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.InitSchema(initCtx); err != nil {
		initCancel()
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	initCancel()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	engine := inventory.NewEngine(db, cfg.Saga.OCCMaxAttempts, cfg.Saga.OCCBaseDelay)
	caller := comms.NewCaller(comms.CallerConfig{
		ConnectTimeout: cfg.Comms.ConnectTimeout,
		ReadTimeout:    cfg.Comms.ReadTimeout,
		MaxAttempts:    cfg.Comms.MaxAttempts,
		RetryBackoff:   cfg.Comms.RetryBackoff,
	})
	communicator := comms.NewCommunicator(engine, caller, comms.Endpoints{
		PaymentURL:  cfg.Comms.PaymentURL,
		ShippingURL: cfg.Comms.ShippingURL,
	})

	compensator := saga.NewCompensator(db, communicator)
	orchestrator := saga.NewOrchestrator(db, communicator, compensator, saga.RetryConfig{
		MaxRetries: cfg.Saga.MaxRetries,
		BaseDelay:  cfg.Saga.RetryBaseDelay,
		MaxDelay:   cfg.Saga.RetryMaxDelay,
	})

	if err := syncInventorySnapshots(context.Background(), db, redisClient); err != nil {
		log.Printf("Failed to sync inventory to Redis: %v", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	scheduler := saga.NewScheduler(db, orchestrator, saga.SchedulerConfig{
		FastSweepInterval:  cfg.Saga.FastSweepInterval,
		StuckSweepInterval: cfg.Saga.StuckSweepInterval,
		StuckCutoff:        cfg.Saga.StuckCutoff,
		BatchSize:          cfg.Saga.SweepBatchSize,
	})
	go scheduler.Run(bgCtx)

	publisher := outbox.NewPublisher(db, producer, cfg.Outbox.Interval, cfg.Outbox.BatchSize)
	go publisher.Run(bgCtx)

	orderService := service.NewOrderService(db, redisClient, orchestrator)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, db, redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	bgCancel()

	log.Println("Server exited")
}

// syncInventorySnapshots mirrors the stock table into Redis at startup
// so availability reads have a warm cache.
func syncInventorySnapshots(ctx context.Context, db *store.Store, redisClient *redisclient.Client) error {
	rows, err := db.Inventories(ctx)
	if err != nil {
		return err
	}
	for _, inv := range rows {
		if err := redisClient.InitInventorySnapshot(ctx, inv.ProductID, inv.Available, inv.Reserved); err != nil {
			return err
		}
	}
	log.Printf("Synced %d inventory rows to Redis", len(rows))
	return nil
}
