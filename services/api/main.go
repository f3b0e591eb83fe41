package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/fanout"
	"github.com/teamchat/internal/handler"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/objectstore"
	"github.com/teamchat/internal/pubsub"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/startup"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/storage/memory"
	redisstorage "github.com/teamchat/internal/storage/redis"
	"github.com/teamchat/internal/tasks"
	"github.com/teamchat/internal/ws"
	"github.com/teamchat/migrations"
)

// stores — хранилища сервиса: Postgres или всё в памяти (-memory).
type stores struct {
	channels    repository.ChannelStore
	roster      repository.RosterSource
	messages    repository.MessageStore
	attachments repository.AttachmentStore
	receipts    repository.ReceiptStore
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep everything in process memory (no PostgreSQL, data is lost on exit)")
	flag.Parse()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer logger.Close()
	logger.Info("starting API service")

	var (
		embeddedDB *embeddedpostgres.EmbeddedPostgres
		pool       *pgxpool.Pool
		st         stores
		health     = map[string]handler.Pinger{}
	)
	if *dev && !*inMemory {
		db, dsn, err := startup.EmbeddedPostgres{
			User:     "teamchat",
			Password: "teamchat_secret",
			Database: "teamchat",
		}.Start()
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		embeddedDB = db
		cfg.Database.URL = dsn
	}

	if *inMemory {
		mem := memory.NewStore()
		st = stores{channels: mem, roster: mem, messages: mem, attachments: mem, receipts: mem}
		logger.Info("in-memory storage: data is not persisted")
	} else {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2
		pool = startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "api: ")

		migCtx, migCancel := context.WithTimeout(context.Background(), 60*time.Second)
		applied, err := startup.Migrate(migCtx, pool, migrations.Files)
		migCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		logger.Infof("database connected, %d migration(s) applied", applied)
		if *migrate {
			pool.Close()
			stopEmbedded(embeddedDB)
			return
		}
		msgRepo := repository.NewMessageRepository(pool)
		st = stores{
			channels:    repository.NewChannelRepository(pool),
			roster:      repository.NewRosterRepository(pool),
			messages:    msgRepo,
			attachments: msgRepo,
			receipts:    msgRepo,
		}
		health["database"] = pool
	}

	var (
		redisClient *redisstorage.Client
		presence    storage.PresenceStore = memory.New()
	)
	if cfg.Redis.URL != "" {
		redisClient = startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "api: ")
		presence = redisClient
		health["redis"] = redisClient
	}

	bus, err := openBus(cfg, redisClient)
	if err != nil {
		logger.Errorf("event bus: %v", err)
		os.Exit(1)
	}
	logger.Infof("event bus: %s", cfg.Bus.Backend)

	fanoutQueue := tasks.NewQueue("fanout", cfg.Fanout.Workers, cfg.Fanout.QueueSize, cfg.Fanout.TaskTimeout)
	uploadQueue := tasks.NewQueue("upload", cfg.Upload.Workers, cfg.Upload.QueueSize, cfg.Upload.TaskTimeout)

	pushClient := push.NewClient(cfg.PushServiceURL)
	var notifier fanout.Notifier
	if pushClient.Enabled() {
		notifier = pushClient
	}
	dispatcher := fanout.New(bus, st.channels, fanoutQueue, notifier, fanout.Config{
		BreakerMaxFailures: uint32(cfg.Fanout.BreakerMaxFailures),
		BreakerOpenTimeout: cfg.Fanout.BreakerOpenTimeout,
	})

	objects := objectstore.NewLocalDisk(cfg.Upload.Dir, cfg.Upload.BaseURL, cfg.Upload.MaxSize)
	msgSvc := service.NewMessageService(service.MessageDeps{
		Channels:    st.channels,
		Messages:    st.messages,
		Attachments: st.attachments,
		Receipts:    st.receipts,
		Dispatcher:  dispatcher,
		Uploads:     uploadQueue,
		Objects:     objects,
		MaxMentions: cfg.MaxMentions,
	})
	chanSvc := service.NewChannelService(st.channels, st.roster, presence, dispatcher)
	hub := ws.NewHub(bus, chanSvc, msgSvc, cfg.WS)

	sup := startup.NewSupervisor("api", 10*time.Second)
	sup.Add(fanoutQueue)
	sup.Add(uploadQueue)
	sup.Add(hub)
	supCtx, supCancel := context.WithCancel(context.Background())
	supDone := sup.ServeBackground(supCtx)

	api := handler.API{
		Messages: handler.NewMessageHandler(msgSvc, cfg.Upload),
		Channels: handler.NewChannelHandler(chanSvc),
		Push:     handler.NewPushHandler(pushClient),
		Files:    handler.NewFileHandler(objects),
		Config:   handler.NewConfigHandler(cfg),
	}
	auth := middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	if *dev || *inMemory {
		logger.Warnf("dev auth: principal is taken from X-User-* headers without validation")
		auth = middleware.DevPrincipal
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.NewHealthHandler(health).Health)
	r.With(middleware.InternalOnly(cfg.InternalSecret)).Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(middleware.RateLimitAPI(cfg.RateLimitPerMinute))
		api.Mount(r)
	})
	r.With(auth).Get("/ws", handler.NewWSHandler(hub, cfg.CORSAllowedOrigins).ServeWS)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	shutdownCancel()
	logger.Info("server stopped accepting connections")

	supCancel()
	if err := <-supDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("supervisor: %v", err)
	}
	logger.Info("hub and queues stopped")

	if err := bus.Close(); err != nil {
		logger.Errorf("bus close: %v", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Errorf("redis close: %v", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
	stopEmbedded(embeddedDB)
	if exitCode != 0 {
		logger.Close()
		os.Exit(exitCode)
	}
}

// openBus выбирает шину по BUS_BACKEND. Для redis используется общий с индикатором набора клиент.
func openBus(cfg *config.Config, redisClient *redisstorage.Client) (pubsub.Bus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("BUS_BACKEND=redis requires REDIS_URL")
		}
		return pubsub.NewRedisBus(redisClient.Redis(), cfg.Bus.Buffer), nil
	case "nats":
		host, _ := os.Hostname()
		return pubsub.NewNATSBus(pubsub.NATSConfig{
			URL:    cfg.Bus.NATSURL,
			Name:   "teamchat-api-" + host,
			Buffer: cfg.Bus.Buffer,
		})
	default:
		return pubsub.NewMemoryBus(cfg.Bus.Buffer), nil
	}
}

func stopEmbedded(db *embeddedpostgres.EmbeddedPostgres) {
	if db == nil {
		return
	}
	logger.Info("stopping embedded postgres...")
	if err := db.Stop(); err != nil {
		logger.Errorf("embedded postgres stop: %v", err)
	}
}
