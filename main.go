package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"achievement-system/handlers"
	"achievement-system/middleware"
	"achievement-system/models"
	"achievement-system/services"
	"achievement-system/utils"
	"achievement-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024, // 10MB, badge icons are small
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Achievement{},
		&models.Progress{},
		&models.Award{},
		&models.AwardEvent{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	repo := services.NewGormRepository(db)
	locks := services.NewLockMap()
	tracker := services.NewProgressTracker(repo, locks)
	engine := services.NewTriggerEngine(repo, tracker)
	awarder := services.NewAwarder(repo, locks, 10, 10*time.Second)
	processor := services.NewEventProcessor(repo, engine, tracker, awarder, services.EventProcessorConfig{})

	// Notification fan-out: webhook when configured, log fallback otherwise
	webhookURL := os.Getenv("NOTIFY_WEBHOOK_URL")
	serviceToken := os.Getenv("ACHIEVEMENT_SERVICE_TOKEN")
	if webhookURL != "" {
		awarder.RegisterNotificationHandler(services.WebhookNotificationHandler(webhookURL, serviceToken))
	} else {
		log.Println("⚠️  NOTIFY_WEBHOOK_URL not set, award notifications will only be logged")
		awarder.RegisterNotificationHandler(services.LogNotificationHandler())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor.Start()

	retryWorker := workers.NewNotificationRetryWorker(repo, awarder.NotificationHandlers())
	go func() {
		log.Println("Starting Notification Retry Worker...")
		retryWorker.Start(ctx)
	}()

	scheduler, err := services.StartMaintenanceScheduler(processor.Cache(), locks)
	if err != nil {
		log.Fatal("failed to start maintenance scheduler:", err)
	}

	adminService := services.NewAdminService(repo, tracker, processor, awarder)
	handlers.SetupAchievementRoutes(app, adminService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Println("✅ Event processor running")
	log.Println("✅ Notification Retry Worker running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := scheduler.Shutdown(); err != nil {
		log.Printf("⚠️  [SHUTDOWN] scheduler shutdown error: %v", err)
	}
	if err := processor.Stop(shutdownCtx); err != nil {
		log.Printf("⚠️  [SHUTDOWN] event processor drain error: %v", err)
	}
	if err := awarder.Stop(shutdownCtx); err != nil {
		log.Printf("⚠️  [SHUTDOWN] awarder drain error: %v", err)
	}
	if err := app.Shutdown(); err != nil {
		log.Printf("⚠️  [SHUTDOWN] fiber shutdown error: %v", err)
	}
}
