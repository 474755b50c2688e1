package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/backfill"
	"github.com/macjediwizard/calnotionsync/internal/calendar"
	"github.com/macjediwizard/calnotionsync/internal/config"
	"github.com/macjediwizard/calnotionsync/internal/db"
	"github.com/macjediwizard/calnotionsync/internal/dedup"
	"github.com/macjediwizard/calnotionsync/internal/health"
	"github.com/macjediwizard/calnotionsync/internal/mapping"
	"github.com/macjediwizard/calnotionsync/internal/notify"
	"github.com/macjediwizard/calnotionsync/internal/notion"
	"github.com/macjediwizard/calnotionsync/internal/reconcile"
	"github.com/macjediwizard/calnotionsync/internal/scheduler"
	"github.com/macjediwizard/calnotionsync/internal/state"
	"github.com/macjediwizard/calnotionsync/internal/validator"
	"github.com/macjediwizard/calnotionsync/internal/web"
	"github.com/macjediwizard/calnotionsync/internal/webhook"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CalNotionSync...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Logging.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		defer rotated.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}

	// rootCtx scopes long-lived provider clients; startupCtx bounds startup checks only.
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	startupCtx, cancelStartup := context.WithTimeout(rootCtx, startupTimeout)
	defer cancelStartup()

	if err := cfg.Validate(startupCtx); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize state store
	store, err := db.OpenStore(startupCtx, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing state store: %v", err)
		}
	}()
	st := state.New(store)

	// Field mapping, hot-reloaded when a file is configured
	holder := mapping.NewHolder(nil)
	if path := cfg.Notion.FieldMappingPath; path != "" {
		m, err := mapping.Load(path)
		if err != nil {
			log.Fatalf("Failed to load field mapping: %v", err)
		}
		if err := holder.Reconfigure(m); err != nil {
			log.Fatalf("Invalid field mapping: %v", err)
		}

		watcher, err := mapping.NewWatcher(path, holder)
		if err != nil {
			log.Fatalf("Failed to create mapping watcher: %v", err)
		}
		if err := watcher.Start(); err != nil {
			log.Fatalf("Failed to watch field mapping: %v", err)
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Printf("Error stopping mapping watcher: %v", err)
			}
		}()
		log.Printf("Field mapping loaded from %s", path)
	}

	// Initialize providers
	cal, err := newCalendarProvider(rootCtx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize calendar provider: %v", err)
	}

	notionClient, err := notion.NewClient(notion.ClientOptions{
		BaseURL:       cfg.Notion.APIBaseURL,
		TokenProvider: notion.StaticToken(cfg.Notion.Token),
		DatabaseID:    cfg.Notion.DatabaseID,
	})
	if err != nil {
		log.Fatalf("Failed to initialize Notion client: %v", err)
	}
	records := notion.NewRecords(notionClient, holder)

	// Initialize sync engine
	logs := activity.NewLog(store, cfg.Sync.LogCapacity)
	tracker := activity.NewTracker()
	engine := reconcile.New(cal, records, st, logs, reconcile.Options{
		Lookback: time.Duration(cfg.Sync.LookbackDays) * 24 * time.Hour,
		Tracker:  tracker,
	})

	// Webhook ingress
	channels := webhook.NewChannelManager(cal, st, cfg.Sync.RenewalThreshold)
	channels.CheckCallbacks(validator.New())
	subscriptions := webhook.NewSubscriptionManager(notionClient, st, cfg.Notion.DatabaseID)
	ingress := webhook.NewIngress(channels, subscriptions, dedup.New(store, cfg.Sync.DedupTTL), logs, engine, cfg.Notion.DatabaseID)

	// Initialize notifier for alerts
	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.Alerts.WebhookEnabled,
		WebhookURL:     cfg.Alerts.WebhookURL,
		EmailEnabled:   cfg.Alerts.EmailEnabled,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	}

	// Validate notification config if any alerts are enabled
	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}

	notifier := notify.New(notifyCfg)

	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook: %v, email: %v, cooldown: %d min)",
			cfg.Alerts.WebhookEnabled, cfg.Alerts.EmailEnabled, cfg.Alerts.CooldownMinutes)
	}

	backfills := backfill.New(cal, engine, st, backfill.Options{
		BatchSize:   cfg.Sync.BackfillBatchSize,
		MaxDuration: cfg.Sync.BackfillMaxDuration,
		Tracker:     tracker,
		Alerter:     notifier,
	})

	// Periodic work shared by the scheduler and the cron endpoints
	tasks := scheduler.NewTasks(channels, engine, store, notifier, cfg.CalendarWebhookURL())
	if cfg.CalendarWebhookURL() == "" {
		log.Println("BASE_URL is not set; push channels are disabled and sync relies on polling")
	}

	// Initialize health checker
	healthChecker := health.NewChecker(store, health.Providers{
		Calendar:         cal.Name(),
		NotionDatabaseID: cfg.Notion.DatabaseID,
		CallbackURL:      cfg.CalendarWebhookURL(),
	})

	// Initialize handlers
	handlers := web.NewHandlers(
		ingress,
		channels,
		subscriptions,
		engine,
		backfills,
		tasks,
		logs,
		tracker,
		healthChecker,
		notifier,
		cfg.CalendarWebhookURL(),
		cfg.NotionWebhookURL(),
	)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers, web.RouteConfig{
		AdminToken: cfg.Security.AdminToken,
		CronSecret: cfg.Security.CronSecret,
		RPS:        cfg.RateLimiting.RPS,
		Burst:      cfg.RateLimiting.Burst,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(tasks, scheduler.Intervals{
			Renew: cfg.Scheduler.RenewInterval,
			Poll:  cfg.Scheduler.PollInterval,
		})
		if err := sched.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	} else {
		log.Println("In-process scheduler disabled; drive /api/cron endpoints externally")
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if sched != nil {
		sched.Stop()
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Let a running backfill persist its last batch
	if backfills.Running() {
		if _, err := backfills.Cancel(shutdownCtx); err != nil {
			log.Printf("Failed to cancel backfill: %v", err)
		}
		if err := backfills.Wait(shutdownCtx); err != nil {
			log.Printf("Backfill did not stop in time: %v", err)
		}
	}

	log.Println("Server stopped")
}

func newCalendarProvider(ctx context.Context, cfg *config.Config) (calendar.Provider, error) {
	switch cfg.Calendar.Provider {
	case config.ProviderCalDAV:
		p, err := calendar.NewCalDAV(calendar.CalDAVConfig{
			URL:      cfg.Calendar.CalDAVURL,
			Username: cfg.Calendar.CalDAVUsername,
			Password: cfg.Calendar.CalDAVPassword,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		p, err := calendar.NewGoogle(ctx, calendar.GoogleConfig{
			ClientID:     cfg.Calendar.GoogleClientID,
			ClientSecret: cfg.Calendar.GoogleClientSecret,
			RefreshToken: cfg.Calendar.GoogleRefreshToken,
			CalendarID:   cfg.Calendar.GoogleCalendarID,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
