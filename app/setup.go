package app

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/promptpilot/api/api"
	"github.com/promptpilot/api/config"
	"github.com/promptpilot/api/database"
	"github.com/promptpilot/api/router"
	"github.com/promptpilot/api/services"
	"github.com/promptpilot/api/services/cron"
	"github.com/promptpilot/api/utils/cache"
	"github.com/promptpilot/api/utils/middleware"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		return err
	}

	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		return fmt.Errorf("failed to get GORM DB instance")
	}

	// Redis is optional: without it, brute force protection is disabled.
	var redisCache *cache.RedisCache
	if getEnv.REDIS_URL != "" {
		redisCache, err = cache.NewRedisCache(getEnv.REDIS_URL)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis: %v. Brute force protection will be disabled.", err)
			redisCache = nil
		}
	}

	// Session archival to Spaces is optional.
	var archiver services.SessionArchiver
	if getEnv.SPACES_BUCKET != "" {
		spacesArchiver, err := services.NewSpacesArchiver(services.SpacesArchiveConfig{
			AccessKey: getEnv.SPACES_KEY,
			SecretKey: getEnv.SPACES_SECRET,
			Bucket:    getEnv.SPACES_BUCKET,
			Region:    getEnv.SPACES_REGION,
			Endpoint:  getEnv.SPACES_ENDPOINT,
		})
		if err != nil {
			log.Printf("Warning: Failed to set up session archival: %v", err)
		} else {
			archiver = spacesArchiver
		}
	}

	sessionService, err := services.NewSessionService(services.NewGormSessionPersistence(db), archiver)
	if err != nil {
		return err
	}

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cron.CronManager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		cronManager = cron.NewCronManager(db, sessionService)
		if err := cronManager.Start(); err != nil {
			print("Warning: Failed to start cron jobs\n")
			print("Error: ", err.Error(), "\n")
			// Don't fail the app, just log the warning
		}
	}

	// Defer stopping cron jobs, flushing sessions, and closing connections
	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
		sessionService.FlushAll()
		if redisCache != nil {
			redisCache.Close()
		}
		store.Close()
	}()

	// Init API
	var server *api.APIServer = api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT))
	app := server.GetEngine()

	// Attach security middleware (request id, logger, recover, helmet, CORS, rate limit)
	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    os.Getenv("ALLOWED_ORIGINS"),
		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,
	})

	// Setup Routes
	router.SetupRoutes(app, getEnv, router.Deps{
		Store:    store,
		Cache:    redisCache,
		Sessions: sessionService,
	})

	// Get the PORT & Start the Server
	return server.Run()
}
