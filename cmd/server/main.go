package main // Entry point package

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/generalapi/identity/internal/auth"
	"github.com/generalapi/identity/internal/config"
	"github.com/generalapi/identity/internal/database"
	"github.com/generalapi/identity/internal/handler"
	"github.com/generalapi/identity/internal/notify"
	"github.com/generalapi/identity/internal/repository"
	"github.com/generalapi/identity/internal/router"
	"github.com/generalapi/identity/internal/service"
	"github.com/generalapi/identity/internal/sweeper"
)

func main() {
	_ = godotenv.Load() // .env is optional; real env vars win
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := database.EnsureSchema(ctx, db); err != nil {
		cancel()
		log.Fatalf("ensure schema: %v", err)
	}
	cancel()

	rdb := config.NewRedisClient()
	if rdb == nil {
		// Sessions live in Redis; without it nobody can log in.
		log.Fatal("redis unavailable: session cache is required")
	}

	accounts := repository.NewAccountRepo(db)
	sessions := repository.NewSessionRepo(rdb)
	notifier := notify.NewAMQPNotifier()

	hasher := auth.NewPasswordHasher(cfg.SecretKey)
	codec := auth.NewTokenCodec(cfg.SecretKey)

	identity := service.New(accounts, sessions, notifier, hasher, codec, service.Options{
		AccessTTL:   time.Duration(cfg.AccessTTLMin) * time.Minute,
		RefreshTTL:  time.Duration(cfg.RefreshTTLDays) * 24 * time.Hour,
		FrontendURL: cfg.FrontendURL,
		FromEmail:   cfg.FromEmail,
	})
	google := service.NewGoogleBridge(identity, cfg.GoogleClientID, cfg.GoogleSecret, cfg.GoogleRedirect)

	// Background workers: the expiry sweeper and the mail delivery consumer
	// run for the process lifetime.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.New(accounts).Run(sweepCtx)
	go func() {
		if err := notify.StartMailConsumer(); err != nil {
			log.Printf("mail consumer stopped: %v", err)
		}
	}()

	e := echo.New()
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, identity, google), codec, config.LoadRateLimitConfig(), rdb)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
