package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGGenBot/internal/admin"
	"github.com/digkill/TGGenBot/internal/config"
	"github.com/digkill/TGGenBot/internal/database"
	"github.com/digkill/TGGenBot/internal/gateway"
	"github.com/digkill/TGGenBot/internal/kie"
	"github.com/digkill/TGGenBot/internal/lease"
	"github.com/digkill/TGGenBot/internal/ledger"
	"github.com/digkill/TGGenBot/internal/ledger/memory"
	"github.com/digkill/TGGenBot/internal/models"
	"github.com/digkill/TGGenBot/internal/producer"
	"github.com/digkill/TGGenBot/internal/repository"
	"github.com/digkill/TGGenBot/internal/repository/postgres"
	"github.com/digkill/TGGenBot/internal/service"
	"github.com/digkill/TGGenBot/internal/storage"
	"github.com/digkill/TGGenBot/internal/telegram"
	"github.com/digkill/TGGenBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	defer closeStore()

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	var uploader *storage.Uploader
	if cfg.MirrorEnabled() {
		uploader, err = storage.NewUploader(cfg)
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
	}

	registry, err := buildRegistry(cfg, logr, uploader)
	if err != nil {
		log.Fatalf("model registry: %v", err)
	}

	var pollLease lease.Lease = lease.Local{}
	if cfg.RedisAddr != "" {
		rl, err := lease.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "genbot")
		if err != nil {
			log.Fatalf("redis lease: %v", err)
		}
		defer rl.Close()
		pollLease = rl
	}

	gatewayClient := gateway.NewClient(cfg, logr)
	notifier := telegram.NewNotifier(botAPI, logr, cfg.NotificationTimeout)

	userService := service.NewUserService(logr, store)
	paymentService := service.NewPaymentService(cfg, logr, store, gatewayClient)
	generationService := service.NewGenerationService(cfg, logr, store, registry)
	reconciler := service.NewReconciliationService(cfg, logr, store, gatewayClient, notifier, pollLease)

	var references storage.ObjectUploader
	if uploader != nil {
		references = uploader
	}
	bot := telegram.NewBot(cfg, botAPI, logr, userService, generationService, paymentService, references)

	server := admin.NewServer(cfg.HTTPListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, store, reconciler, userService, notifier)
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("http server stopped", "err", err)
		}
	}()
	go func() {
		defer background.Done()
		reconciler.Run(ctx)
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}

	stop()
	background.Wait()
	reconciler.WaitNotifications()
}

// openLedger selects the ledger backend named by LEDGER_DRIVER.
func openLedger(ctx context.Context, cfg config.Config) (ledger.Ledger, func(), error) {
	switch cfg.LedgerDriver {
	case "mysql":
		db, err := database.Connect(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("database connect: %w", err)
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database migrate: %w", err)
		}
		return repository.NewLedger(db, cfg.FreeGenerations), func() { db.Close() }, nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		store, err := postgres.NewStore(connectCtx, cfg.PostgresDSN, cfg.FreeGenerations)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "memory":
		return memory.New(cfg.FreeGenerations), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
}

// buildRegistry registers the KIE-backed models, mirroring results into S3 when an uploader is set.
func buildRegistry(cfg config.Config, logr *slog.Logger, uploader *storage.Uploader) (*producer.Registry, error) {
	kieClient := kie.NewClient(cfg, logr)
	wrap := func(p producer.Producer) producer.Producer {
		if uploader == nil {
			return p
		}
		return storage.NewMirror(p, uploader, logr)
	}

	registry := producer.NewRegistry()
	entries := []producer.Model{
		{Name: string(models.ModelFlux2), Title: "Flux 2", CostPerUnit: cfg.Flux2Cost, Timeout: cfg.Flux2Timeout, Producer: wrap(kie.NewFlux2(kieClient))},
		{Name: string(models.ModelNanoBanana), Title: "Nano Banana Pro", CostPerUnit: cfg.NanoBananaCost, Timeout: cfg.NanoBananaTimeout, Producer: wrap(kie.NewNanoBanana(kieClient))},
	}
	for _, m := range entries {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
