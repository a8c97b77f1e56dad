package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/database"
	"github.com/carryon-app/carryon-backend/internal/flagging"
	"github.com/carryon-app/carryon-backend/internal/handlers"
	"github.com/carryon-app/carryon-backend/internal/lifecycle"
	"github.com/carryon-app/carryon-backend/internal/middleware"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/ratelimit"
	"github.com/carryon-app/carryon-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database instance: %v", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Redis backs ban checks, rate-limit counters, and location pub/sub.
	// The server still runs without it; limits fall back to local memory.
	redisAvailable := true
	if err := services.InitRedis(); err != nil {
		log.Printf("Redis initialization warning: %v", err)
		redisAvailable = false
	}

	// Firebase is optional; push notifications are skipped if unconfigured
	if err := services.InitFirebase(); err != nil {
		log.Printf("Firebase initialization warning: %v", err)
	}

	if err := services.InitStorage(); err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	secret := os.Getenv("CHAT_ENCRYPTION_KEY")
	if secret == "" {
		log.Fatal("CHAT_ENCRYPTION_KEY must be set")
	}
	cipher, err := audit.NewMessageCipher(secret)
	if err != nil {
		log.Fatalf("Failed to initialize chat cipher: %v", err)
	}
	auditor := audit.NewLog(db, cipher)

	var store ratelimit.CounterStore
	if redisAvailable {
		store = ratelimit.NewRedisStore(services.RedisClient)
	} else {
		store = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(store, ratelimit.DefaultQuotas)

	svc := lifecycle.NewService(db, auditor, limiter)

	var banner flagging.Banner = flagging.NopBanner{}
	if redisAvailable {
		banner = services.RedisBanner{}
	}
	engine := flagging.NewEngine(db, auditor, banner)

	hub := services.NewHub()
	go hub.Run()

	// Background sweeps: expire stale requests every minute, score users
	// for auto-flagging every ten.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			expired, err := svc.ExpireSweep(ctx)
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
			}
			for _, id := range expired {
				var request models.DeliveryRequest
				if err := db.First(&request, id).Error; err != nil {
					continue
				}
				hub.SendRequestStatusUpdate(request.SenderID, services.RequestStatusUpdate{
					RequestID: request.ID,
					Status:    string(request.Status),
				})
			}
			cancel()
		}
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := engine.Sweep(ctx); err != nil {
				log.Printf("flagging sweep failed: %v", err)
			}
			cancel()
		}
	}()

	r := gin.Default()

	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Device-Fingerprint"}
	r.Use(cors.New(config))

	r.Static("/uploads", "/app/uploads")

	api := r.Group("/api")
	{
		// Public routes; per-IP throttled to slow credential stuffing
		auth := api.Group("/auth", middleware.IPRateLimitMiddleware(5, 10))
		{
			auth.POST("/register", handlers.Register(db))
			auth.POST("/login", handlers.Login(db))
			auth.POST("/verify-email", handlers.VerifyEmail(db))
			auth.POST("/forgot-password", handlers.RequestPasswordReset(db))
			auth.POST("/verify-otp", handlers.VerifyOTP(db))
			auth.POST("/reset-password", handlers.ResetPassword(db))
		}

		// WebSocket connection
		api.GET("/ws", middleware.AuthMiddleware(), handlers.WebSocketHandler(hub))

		// Authenticated read routes
		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			users := protected.Group("/users")
			{
				users.GET("/profile", handlers.GetProfile(db))
				users.PUT("/profile", handlers.UpdateProfile(db))
				users.GET("/:id", handlers.GetUserPublicProfile(db))
			}

			notifications := protected.Group("/notifications")
			{
				notifications.POST("/register-token", handlers.RegisterFCMToken(db))
				notifications.DELETE("/remove-token", handlers.RemoveFCMToken(db))
				notifications.PUT("/preferences", handlers.UpdateNotificationPreferences(db))
				notifications.POST("/test", handlers.SendTestNotification(db))
			}

			requests := protected.Group("/requests")
			{
				requests.GET("", handlers.GetOpenRequests(db))
				requests.GET("/mine", handlers.GetMyRequests(db))
				requests.GET("/deliveries", handlers.GetMyDeliveries(db))
				requests.GET("/:id", handlers.GetRequest(db))
				requests.GET("/:id/codes", handlers.GetRequestCodes(db))
				requests.GET("/:id/messages", handlers.GetMessages(db, auditor))
				requests.GET("/:id/location", handlers.GetLocation(db))
			}

			// Mutating routes fail closed while a soft ban is active
			mutating := protected.Group("/")
			mutating.Use(middleware.BanCheckMiddleware(db))
			{
				reqs := mutating.Group("/requests")
				{
					reqs.POST("", handlers.CreateRequest(db, svc, hub))
					reqs.POST("/:id/offer", handlers.RequestToDeliver(db, svc, hub))
					reqs.POST("/:id/approve", handlers.ApproveRider(db, svc, hub))
					reqs.POST("/:id/reject", handlers.RejectRider(db, svc, hub))
					reqs.POST("/:id/decline-all", handlers.DeclineAllRiders(db, svc, hub))
					reqs.POST("/:id/arrived-pickup", handlers.MarkArrivedAtPickup(db, svc, hub))
					reqs.POST("/:id/pickup-otp", handlers.InitiatePickupOtp(db, svc, hub))
					reqs.POST("/:id/verify-pickup", handlers.VerifyPickupOtp(db, svc, hub))
					reqs.POST("/:id/start-transit", handlers.StartTransit(db, svc, hub))
					reqs.POST("/:id/arrived-drop", handlers.MarkArrivedAtDrop(db, svc, hub))
					reqs.POST("/:id/verify-drop", handlers.VerifyDropOtp(db, svc, hub))
					reqs.POST("/:id/confirm-payment", handlers.ConfirmPayment(db, svc, hub))
					reqs.POST("/:id/rate", handlers.RateRequest(db, svc, hub))
					reqs.POST("/:id/cancel", handlers.CancelRequest(db, svc, hub))
					reqs.POST("/:id/tracking/enable", handlers.EnableTracking(db, svc))
					reqs.POST("/:id/tracking/disable", handlers.DisableTracking(db, svc))
					reqs.POST("/:id/location", handlers.UpdateLocation(db, svc, hub))
					reqs.POST("/:id/messages", handlers.SendMessage(db, auditor, limiter, hub))
					reqs.POST("/photos", handlers.UploadProofPhoto())
				}

				mutating.POST("/reports", handlers.ReportUser(db, limiter))
			}

			// Admin routes
			admin := protected.Group("/admin")
			admin.Use(middleware.AdminMiddleware())
			{
				admin.GET("/incidents", handlers.ListIncidents(db))
				admin.POST("/incidents/:id/review", handlers.ReviewIncident(db, engine, limiter))
				admin.GET("/audit/export", handlers.ExportAuditLogs(auditor, limiter))
				admin.GET("/audit/verify", handlers.VerifyAuditLogs(auditor, limiter))
			}
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
