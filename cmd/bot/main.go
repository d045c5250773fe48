package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deploybot/internal/bot"
	"deploybot/internal/cloudflare"
	"deploybot/internal/config"
	"deploybot/internal/credbox"
	"deploybot/internal/db"
	"deploybot/internal/deploy"
	"deploybot/internal/httpapi"
	"deploybot/internal/queue"
	"deploybot/internal/scrape"
	"deploybot/internal/session"
	"deploybot/internal/telegram"
	"deploybot/internal/user"
)

const (
	longPollTimeoutSec = 60
	inlineConcurrency  = 4
)

func main() {
	cfg := config.Load()
	if cfg.BotToken == "" {
		log.Fatal("BOT_TOKEN is required")
	}
	if cfg.ScriptURL == "" {
		log.Fatal("SCRIPT_URL is required")
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	box, err := credbox.New(cfg.MasterSecret)
	if err != nil {
		log.Fatalf("credbox: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sessions session.Store
	switch cfg.SessionBackend {
	case "redis":
		sessions = session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		sessions = session.NewMemoryStore()
	}
	sweeper := session.NewSweeper(sessions, session.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	gateway := telegram.NewClient(cfg.TelegramAPIURL, cfg.BotToken)
	users := user.NewRepo(gdb)
	jobs := deploy.NewRepo(gdb)

	cf := cloudflare.NewClient()
	orch := deploy.NewOrchestrator(
		cf,
		scrape.NewPoller(),
		gateway,
		sessions,
		users,
		jobs,
		cfg.ScriptURL,
	)

	var dispatcher queue.Dispatcher
	switch cfg.QueueMode {
	case "rabbit":
		d, err := queue.NewRabbitDispatcher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit dispatcher: %v", err)
		}
		dispatcher = d
	default:
		dispatcher = queue.NewInlineDispatcher(ctx, func(jctx context.Context, jobID string) error {
			return deploy.RunJob(jctx, jobs, box, orch, jobID)
		}, inlineConcurrency)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Printf("dispatcher close: %v", err)
		}
	}()

	router := bot.NewRouter(gateway, sessions, users, jobs, box, dispatcher,
		cf, deploy.Strategy(cfg.DeployStrategy))

	// One intake channel, one consumer: updates for a chat are handled in
	// arrival order whichever way they come in.
	updates := make(chan telegram.Update, 64)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Users:         users,
			Jobs:          jobs,
			Updates:       updates,
			WebhookSecret: cfg.WebhookSecret,
			AdminToken:    httpapi.DefaultTokenConfig(cfg.AdminJWTSecret),
		}),
	}
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
		}
	}()

	// Webhook mode disables long polling; Telegram rejects mixing the two.
	if cfg.WebhookSecret == "" {
		go pollUpdates(ctx, gateway, updates)
	} else {
		log.Printf("webhook intake enabled, long polling disabled")
	}

	go func() {
		for upd := range updates {
			router.Handle(ctx, upd)
		}
	}()

	log.Printf("bot started, queue_mode=%s session_backend=%s", cfg.QueueMode, cfg.SessionBackend)
	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// pollUpdates runs the long-poll loop and forwards every update into the
// intake channel. The offset is advanced past each batch so Telegram never
// re-delivers.
func pollUpdates(ctx context.Context, client *telegram.Client, updates chan<- telegram.Update) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := client.GetUpdates(ctx, offset, longPollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("getUpdates failed err=%v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		for _, upd := range batch {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			select {
			case updates <- upd:
			case <-ctx.Done():
				return
			}
		}
	}
}
