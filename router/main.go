package router

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/promptpilot/api/config"
	"github.com/promptpilot/api/database"
	"github.com/promptpilot/api/handlers"
	auth_handlers "github.com/promptpilot/api/handlers/auth"
	credential_handlers "github.com/promptpilot/api/handlers/credentials"
	prompt_handlers "github.com/promptpilot/api/handlers/prompt"
	session_handlers "github.com/promptpilot/api/handlers/session"
	"github.com/promptpilot/api/services"
	"github.com/promptpilot/api/services/gemini"
	"github.com/promptpilot/api/utils/auth"
	"github.com/promptpilot/api/utils/cache"
	"github.com/promptpilot/api/utils/middleware"
)

// Deps are the shared components the routes are built on.
type Deps struct {
	Store    database.Storage
	Cache    *cache.RedisCache
	Sessions *services.SessionService
}

// SetupRoutes wires all handlers onto the Fiber app.
func SetupRoutes(app *fiber.App, env *config.EnviornmentVariable, deps Deps) {
	if env.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}
	if env.API_ACCESS_KEY == "" {
		log.Fatal("API_ACCESS_KEY environment variable is not set")
	}

	jwtIssuer := env.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "promptpilot-api"
	}
	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: env.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})

	db, ok := deps.Store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	// Brute force protection needs Redis; without it, lockouts are skipped.
	var bruteForceProtection *middleware.BruteForceProtection
	if deps.Cache != nil {
		bruteForceProtection = middleware.NewBruteForceProtection(deps.Cache)
	}

	generator := gemini.NewClient(gemini.Config{
		APIKey:  env.GEMINI_API_KEY,
		BaseURL: env.GEMINI_BASE_URL,
	})
	credentialService := services.NewCredentialService(db, generator, env.CREDENTIAL_MASTER_KEY, env.GEMINI_API_KEY)
	optimizerService := services.NewOptimizerService(generator)

	authMiddleware := middleware.NewAuthMiddleware(jwtManager)

	authHandler := auth_handlers.NewAuthHandler(jwtManager, bruteForceProtection, env.API_ACCESS_KEY)
	promptHandler := prompt_handlers.NewPromptHandler(optimizerService, deps.Sessions, credentialService)
	sessionHandler := session_handlers.NewSessionHandler(deps.Sessions)
	credentialHandler := credential_handlers.NewCredentialHandler(credentialService)

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return handlers.HandleCheckHealth(c, deps.Store, deps.Cache)
	})

	authGroup := api.Group("/auth")
	if bruteForceProtection != nil {
		authGroup.Use(bruteForceProtection.CheckAndRecordAttempt())
	}
	authGroup.Post("/token", authHandler.Token)

	prompt := api.Group("/prompt", authMiddleware.Required())
	prompt.Post("/optimize", promptHandler.Optimize)
	prompt.Post("/clarify", promptHandler.Clarify)
	prompt.Post("/refine", promptHandler.Refine)

	api.Get("/models", authMiddleware.Required(), promptHandler.ListModels)

	sessionGroup := api.Group("/sessions", authMiddleware.Required())
	sessionGroup.Get("/", sessionHandler.List)
	sessionGroup.Get("/:id", sessionHandler.Get)
	sessionGroup.Patch("/:id", sessionHandler.Rename)
	sessionGroup.Delete("/:id", sessionHandler.Delete)
	sessionGroup.Delete("/:id/coaching", sessionHandler.CancelCoaching)

	credentialGroup := api.Group("/credentials", authMiddleware.Required())
	credentialGroup.Put("/", credentialHandler.Store)
	credentialGroup.Get("/status", credentialHandler.Status)
	credentialGroup.Delete("/", credentialHandler.Delete)
}
