package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/amirasaad/cryptoledger/cmd/server/swagger"
	"github.com/amirasaad/cryptoledger/infra/initializer"
	"github.com/amirasaad/cryptoledger/pkg/app"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/webapi"
	log "github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// @title Ledger API
// @version 1.0.0
// @description Custodial BTC, ETH and USDT ledger: accounts, balances and transfers.
// @host localhost:3000
// @BasePath /
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description "Enter your Bearer token in the format: `Bearer {token}`"
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("failed to load application configuration: %w", err)
	}

	// Initialize all dependencies
	deps, err := initializer.InitializeDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	logger := deps.Logger

	a, err := app.New(deps, cfg)
	if err != nil {
		_ = closeDeps(deps)
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close dependencies", "error", err)
		}
	}()
	if err := a.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to create system accounts: %w", err)
	}

	// Setup Fiber app with all routes and middleware
	fiberApp := webapi.SetupApp(a)

	addr := listenAddr(cfg.Server)
	logger.Info("Starting server",
		"env", cfg.Env,
		"address", addr,
		"scheme", cfg.Server.Scheme,
	)
	return serve(ctx, addr, fiberApp, a, logger)
}

type runner interface {
	Run(ctx context.Context) error
}

// serve runs the HTTP server and the background consumers until ctx is done
// or one of them fails, then shuts the server down.
func serve(ctx context.Context, addr string, fiberApp *fiber.App, r runner, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return fiberApp.Listen(addr)
	})
	g.Go(func() error {
		return r.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server")
		return fiberApp.ShutdownWithTimeout(shutdownTimeout)
	})
	return g.Wait()
}

func listenAddr(s *config.Server) string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func closeDeps(deps *app.Deps) error {
	return (&app.App{Deps: deps}).Close()
}
