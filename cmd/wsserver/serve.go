package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thelinks/realtime/internal/activity"
	"github.com/thelinks/realtime/internal/auth"
	"github.com/thelinks/realtime/internal/config"
	"github.com/thelinks/realtime/internal/dispatch"
	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/eventlog"
	"github.com/thelinks/realtime/internal/messaging"
	"github.com/thelinks/realtime/internal/metrics"
	"github.com/thelinks/realtime/internal/push"
	"github.com/thelinks/realtime/internal/ratelimit"
	"github.com/thelinks/realtime/internal/reconcile"
	"github.com/thelinks/realtime/internal/session"
	"github.com/thelinks/realtime/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		noMigrate  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and polling server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noMigrate)
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides LISTEN_ADDR)")
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "do not apply event log migrations on start")
	return cmd
}

func run(ctx context.Context, cfg config.Config, migrate bool) error {
	logConfig(cfg)

	// --- NATS ---
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		return err
	}
	defer func() {
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
	}()
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Event log ---
	events, db, err := openEventLog(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	server := ws.NewServer(cfg.Server, ws.Options{
		Verifier: verifier,
		Sessions: sessionStore,
		Limiter:  limiter,
	})
	dispatcher := dispatch.New(server.Registry(), server.Rooms(), server)

	// Every instance dispatches every event to its own connections.
	if err := natsClient.SubscribeEvents(func(ev event.Event) {
		dispatcher.Deliver(ev)
	}); err != nil {
		return err
	}

	// A fresh authentication anywhere closes older connections elsewhere.
	server.SetOnAuthenticated(func(c *ws.Connection) {
		if err := natsClient.PublishTakeover(messaging.Takeover{
			Identity: c.Identity(),
			ConnID:   c.ID,
			Server:   cfg.ServerName,
			At:       c.AuthenticatedAt(),
		}); err != nil {
			log.Printf("[nats] publish takeover identity=%s: %v", c.Identity(), err)
		}
	})
	if err := natsClient.SubscribeTakeover(func(t messaging.Takeover) {
		if t.Server == cfg.ServerName {
			return
		}
		if server.TakeOver(t.Identity, t.ConnID, t.At) {
			log.Printf("ws: identity=%s moved to server=%s", t.Identity, t.Server)
		}
	}); err != nil {
		return err
	}

	notifier := push.NewNotifier(sessionStore, natsClient)
	producer := activity.NewService(events, natsClient, sessionStore, notifier)
	if err := natsClient.SubscribeMessageCreated(producer.HandleMessageCreated); err != nil {
		return err
	}
	if err := natsClient.SubscribeMessageLiked(producer.HandleMessageLiked); err != nil {
		return err
	}

	updates := reconcile.NewHandler(reconcile.New(events, sessionStore), limiter, cfg.UpdatesLookback)
	server.Mount(func(r chi.Router) {
		r.Handle("/metrics", metrics.Handler())
		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware)
			r.Method("GET", "/updates", updates)
			r.Method("POST", "/push-subscription", push.SubscriptionHandler(sessionStore))
		})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		refreshPresence(gctx, server, sessionStore, cfg.PresenceRefresh)
		return nil
	})
	if pg, ok := events.(*eventlog.PostgresLog); ok && cfg.EventRetention > 0 {
		g.Go(func() error {
			pruneEvents(gctx, pg, cfg.EventRetention)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openEventLog(ctx context.Context, cfg config.Config, migrate bool) (eventlog.Log, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		log.Printf("eventlog: DATABASE_URL not set, keeping %d events per target in memory", cfg.MemoryLogSize)
		return eventlog.NewMemoryLog(cfg.MemoryLogSize), nil, nil
	}
	if migrate {
		if err := eventlog.Migrate(cfg.DatabaseURL, true); err != nil {
			return nil, nil, err
		}
	}
	db, err := eventlog.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return eventlog.NewPostgresLog(db), db, nil
}

// refreshPresence keeps the Redis presence of live identities from expiring.
func refreshPresence(ctx context.Context, server *ws.Server, store *session.Store, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range server.Registry().All() {
				tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if err := store.Touch(tctx, c.Identity()); err != nil {
					log.Printf("session: touch identity=%s: %v", c.Identity(), err)
				}
				cancel()
			}
		}
	}
}

func pruneEvents(ctx context.Context, pg *eventlog.PostgresLog, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.Prune(ctx, retention)
			if err != nil {
				log.Printf("eventlog: prune: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("eventlog: pruned %d events older than %s", n, retention)
			}
		}
	}
}

func logConfig(cfg config.Config) {
	database := "memory"
	if cfg.DatabaseURL != "" {
		database = "postgres"
	}
	log.Printf("realtime server starting")
	log.Printf("  listen_addr:        %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:        %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections:    %d", cfg.Server.MaxConnections)
	log.Printf("  send_queue:         %d", cfg.Server.SendQueueSize)
	log.Printf("  heartbeat_interval: %s", cfg.Server.Heartbeat.Interval)
	log.Printf("  auth_timeout:       %s", cfg.Server.Heartbeat.AuthTimeout)
	log.Printf("  nats_url:           %s", cfg.NATS.URL)
	log.Printf("  redis_addr:         %s", cfg.RedisAddr)
	log.Printf("  event_log:          %s", database)
	log.Printf("  server_name:        %s", cfg.ServerName)
	if hn, _ := os.Hostname(); hn != cfg.ServerName {
		log.Printf("  hostname:           %s", hn)
	}
}
