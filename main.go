package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bounty-escrow-system/config"
	"bounty-escrow-system/handlers"
	"bounty-escrow-system/ledger"
	"bounty-escrow-system/middleware"
	"bounty-escrow-system/services"
	"bounty-escrow-system/store"
	"bounty-escrow-system/tracker"
	"bounty-escrow-system/utils"
	"bounty-escrow-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logCloser := config.SetupLogging(cfg)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatal("failed to migrate database:", err)
	}
	st := store.New(db)

	authz := services.NewAuthorizer(st)
	adminService := services.NewAdminService(st, authz)
	if err := adminService.Bootstrap(ctx, cfg.AdminIDs); err != nil {
		log.Fatal("failed to seed admins:", err)
	}

	ledgerClient, err := buildLedger(cfg)
	if err != nil {
		log.Fatal("failed to configure ledger:", err)
	}
	trackerClient, err := buildTracker(cfg, st)
	if err != nil {
		log.Fatal("failed to configure issue tracker:", err)
	}

	bountyService := services.NewBountyService(st, ledgerClient, trackerClient, authz,
		services.WithMetrics(services.EngineMetrics()),
		services.WithDashboardURL(cfg.DashboardURL),
		services.WithStaleAfter(cfg.ReconcileStaleAfter),
	)
	webhookService := services.NewWebhookService(bountyService, st)

	var authClient middleware.TokenValidator
	if cfg.AuthServiceURL != "" {
		authClient = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.AuthServiceToken)
	} else {
		log.Println("⚠️  AUTH_SERVICE_URL not set, status stream disabled")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	allowedOrigins := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range allowedOrigins {
		allowedOrigins[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(allowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles, Cache-Control",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupRoutes(app, handlers.Deps{
		DB:            st,
		Bounties:      bountyService,
		Webhooks:      webhookService,
		Admins:        adminService,
		Auth:          authClient,
		GatewayToken:  cfg.GatewayToken,
		WebhookSecret: cfg.GitHubWebhookSecret,
	})

	if cfg.SyncServiceURL != "" {
		syncClient := workers.NewSyncClient(cfg.SyncServiceURL, cfg.SyncServiceToken)
		go workers.NewWalletSyncWorker(syncClient, st, 10*time.Second, "solana").Run(ctx)
		go workers.NewAdminSyncWorker(syncClient, st, time.Minute).Run(ctx)
		log.Println("✅ Wallet and admin sync workers running")
	} else {
		log.Println("⚠️  SYNC_SERVICE_URL not set, contributor wallets and admins are not mirrored")
	}

	schedCfg := services.SchedulerConfig{
		ReconcileInterval: cfg.ReconcileInterval,
		StaleAfter:        cfg.ReconcileStaleAfter,
	}
	if cfg.R2.Enabled() {
		archiver, err := utils.NewR2Archiver(ctx, cfg.R2, "")
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		schedCfg.Archiver = archiver
	}
	sched, err := bountyService.StartScheduler(schedCfg)
	if err != nil {
		log.Fatal("failed to start scheduler:", err)
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ Ledger mode: %s", cfg.LedgerMode)
	log.Println("✅ GatewayAuthMiddleware enforced on the API; webhook and stream authenticate on their own")
	log.Printf("✅ CORS configured for origins: %s", cfg.AllowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := sched.Shutdown(); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
}

func buildLedger(cfg *config.Config) (ledger.Client, error) {
	var program ledger.Program
	if cfg.EscrowProgramID != "" {
		id, err := ledger.ParseAddress(cfg.EscrowProgramID)
		if err != nil {
			return nil, err
		}
		program.ID = id
	}
	if cfg.TokenMint != "" {
		mint, err := ledger.ParseAddress(cfg.TokenMint)
		if err != nil {
			return nil, err
		}
		program.Mint = mint
	}

	if cfg.LedgerMode == config.LedgerModeMemory {
		log.Println("⚠️  LEDGER_MODE=memory, escrow funds are simulated in process")
		return ledger.NewMemory(program), nil
	}
	return ledger.NewRPCClient(cfg.LedgerRPCURL, cfg.LedgerRPCToken, program,
		ledger.WithCallTimeout(cfg.LedgerCallTimeout),
		ledger.WithConfirmPoll(cfg.LedgerConfirmPoll),
	), nil
}

func buildTracker(cfg *config.Config, st *store.Store) (tracker.Client, error) {
	if !cfg.GitHubEnabled() {
		log.Println("⚠️  GITHUB_APP_ID not set, issue comments are recorded in memory only")
		return tracker.NewRecorder(), nil
	}
	key, err := tracker.ParsePrivateKey(cfg.GitHubPrivateKey)
	if err != nil {
		return nil, err
	}
	return tracker.NewGitHubClient(cfg.GitHubAppID, key, st,
		tracker.WithBaseURL(cfg.GitHubAPIURL),
		tracker.WithRateLimit(cfg.TrackerRatePerSec),
	), nil
}
