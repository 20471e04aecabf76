// Package webapi provides the HTTP API of the ledger.
// It is organized into sub-packages:
// - account: account opening, balances and transfers
// - common: response helpers shared by the handlers
package webapi

import (
	"errors"
	"strings"

	"github.com/amirasaad/cryptoledger/pkg/app"
	accountweb "github.com/amirasaad/cryptoledger/webapi/account"
	"github.com/amirasaad/cryptoledger/webapi/common"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupApp Initialize Fiber with custom configuration
func SetupApp(a *app.App) *fiber.App {
	cfg := a.Config
	fiberApp := fiber.New(fiber.Config{
		AppName: "cryptoledger",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return common.ProblemDetailsJSON(c, "Internal Server Error", err)
		},
	})
	fiberApp.Get("/swagger/*", swagger.New(swagger.Config{
		TryItOutEnabled:      true,
		PersistAuthorization: true,
	}))

	// Uses X-Forwarded-For header when behind a proxy,
	// falls back to X-Real-IP or direct IP
	if cfg.RateLimit != nil && cfg.RateLimit.MaxRequests > 0 {
		fiberApp.Use(limiter.New(limiter.Config{
			Max:          cfg.RateLimit.MaxRequests,
			Expiration:   cfg.RateLimit.Window,
			KeyGenerator: clientIP,
			LimitReached: func(c *fiber.Ctx) error {
				return common.ProblemDetailsJSON(
					c,
					"Too Many Requests",
					errors.New("rate limit exceeded"),
					fiber.StatusTooManyRequests,
				)
			},
			Next: func(c *fiber.Ctx) bool {
				return cfg.Metrics != nil && c.Path() == cfg.Metrics.Path
			},
		}))
	}
	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New())

	// Health check endpoint
	fiberApp.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("Ledger API is running")
	})

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		fiberApp.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	accountweb.Routes(fiberApp, a.LedgerService, a.AccountService, cfg.Auth, a.Deps.Logger)
	return fiberApp
}

func clientIP(c *fiber.Ctx) string {
	if forwardedFor := c.Get("X-Forwarded-For"); forwardedFor != "" {
		if i := strings.Index(forwardedFor, ","); i != -1 {
			return strings.TrimSpace(forwardedFor[:i])
		}
		return strings.TrimSpace(forwardedFor)
	}
	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return c.IP()
}
