package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-dispatch/internal/broker"
	"chat-dispatch/internal/cache"
	"chat-dispatch/internal/config"
	"chat-dispatch/internal/db"
	"chat-dispatch/internal/dispatch"
	"chat-dispatch/internal/grpcserver"
	"chat-dispatch/internal/handlers"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/middleware"
	"chat-dispatch/internal/observability"
	"chat-dispatch/internal/pubsub"
	"chat-dispatch/internal/rabbitmq"
	"chat-dispatch/internal/repositories"
	"chat-dispatch/internal/service"
	"chat-dispatch/internal/telemetry"
	"chat-dispatch/internal/ws"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Env:       cfg.Logging.Env,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("chat-dispatch stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("chat-dispatch stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.Endpoint, cfg.Logging.Service, cfg.Logging.Version, cfg.Tracing.SampleRatio, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	database, err := db.Connect(ctx, cfg.Postgres.DSN, log)
	if err != nil {
		return err
	}
	defer database.Close()

	var redis *cache.RedisCache
	if cfg.Redis.URL != "" {
		redis, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redis.Close()
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redis.Ping(pctx); err != nil {
			log.Warn("redis unreachable, cache misses until it returns", "error", err)
		}
		cancel()
	} else {
		log.Info("redis disabled: empty url")
	}
	messageCache := cache.NewMessageCache(redis, cfg.Cache.RecentTTL, cfg.Cache.UnreadTTL, log)

	b, fallback := rabbitmq.Open(cfg.AMQP.URL, log)
	defer b.Close()
	events, err := rabbitmq.Publishers(ctx, b, cfg.AMQP.AuditExchange)
	if err != nil {
		return err
	}
	audit := telemetry.NewAuditEmitter(events, cfg.AMQP.AuditRouting, cfg.Logging.Service, cfg.Logging.Env, log)
	observability.SetPublisher(events)
	log.Info("broker ready", "mode", broker.Mode(b), "fallback_reason", fallback)

	hub := pubsub.NewHub(log)
	var bus pubsub.Bus = hub
	if cfg.NATS.URL != "" {
		relay, err := pubsub.NewNATSRelay(cfg.NATS.URL, cfg.NATS.SubjectPrefix, hub, log)
		if err != nil {
			return err
		}
		defer relay.Close()
		bus = relay
	}

	statusRepo := repositories.NewStatusRepo(database)
	messageRepo := repositories.NewMessageRepo(database, statusRepo)
	roomRepo := repositories.NewRoomRepo(database)
	userRepo := repositories.NewUserRepo(database)

	retry := dispatch.RetryPolicy{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Base:        cfg.Dispatch.BackoffBase,
		Multiplier:  cfg.Dispatch.BackoffMultiplier,
		Cap:         cfg.Dispatch.BackoffCap,
	}
	registry := dispatch.NewRegistry(b, dispatch.Topology{
		ChatExchange:       cfg.AMQP.ChatExchange,
		StatusExchange:     cfg.AMQP.StatusExchange,
		DeadLetterExchange: cfg.AMQP.DeadLetterExch,
		RoomTTL:            cfg.AMQP.RoomTTL,
		SharedTTL:          cfg.AMQP.SharedTTL,
	}, log)
	pipeline := dispatch.NewPipeline(b, registry, audit, dispatch.PipelineConfig{
		Workers:   cfg.Dispatch.PublishWorkers,
		QueueSize: cfg.Dispatch.PublishQueueSize,
		Retry:     retry,
	}, log)
	pools := make(map[string]dispatch.PoolSize, len(cfg.Dispatch.ConsumerPools))
	for kind, p := range cfg.Dispatch.ConsumerPools {
		pools[kind] = dispatch.PoolSize{Min: p.Min, Max: p.Max}
	}
	supervisor := dispatch.NewSupervisor(b, registry, dispatch.Handlers{
		Messages:    dispatch.NewMessageHandler(bus, roomRepo, log),
		Receipts:    dispatch.NewReceiptHandler(bus),
		DeadLetters: dispatch.NewDeadLetterHandler(audit, log),
	}, dispatch.SupervisorConfig{
		MinWorkers:  cfg.Dispatch.ConsumerMin,
		MaxWorkers:  cfg.Dispatch.ConsumerMax,
		IdleTimeout: cfg.Dispatch.WorkerIdleTimeout,
		DrainGrace:  cfg.Dispatch.DrainGrace,
		Retry:       retry,
		Pools:       pools,
	}, log)

	// the supervisor declares the shared topology the pipeline publishes to
	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	pipeline.Start(ctx)

	messageService := service.NewMessageService(roomRepo, messageRepo, statusRepo, messageCache, pipeline, supervisor, log)
	roomService := service.NewRoomService(roomRepo, userRepo, messageRepo, statusRepo, messageCache, supervisor, log)
	tokens := middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	router := newRouter(cfg, log, routerDeps{
		messages: handlers.NewMessageHandler(messageService, log),
		rooms:    handlers.NewRoomHandler(roomService, log),
		roomWS:   ws.NewRoomHandler(hub, roomRepo, messageService, userRepo, tokens, log),
		tokens:   tokens,
		audit:    audit,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpcserver.New(log)
	grpcServer.SetServing(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcServer.ListenAndServe(cfg.GRPC.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		grpcServer.SetServing(false)
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		grpcServer.Shutdown(sctx)
		if err := supervisor.Stop(sctx); err != nil {
			log.Warn("supervisor stop", "error", err)
		}
		if err := pipeline.Stop(sctx); err != nil {
			log.Warn("pipeline stop", "error", err)
		}
		return nil
	})
	return g.Wait()
}

type routerDeps struct {
	messages *handlers.MessageHandler
	rooms    *handlers.RoomHandler
	roomWS   *ws.RoomHandler
	tokens   middleware.TokenValidator
	audit    *telemetry.AuditEmitter
}

func newRouter(cfg *config.Config, log *slog.Logger, d routerDeps) *gin.Engine {
	if cfg.Logging.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Logging.Service))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/rooms/:room_id", d.roomWS.Handle)

	api := router.Group("/", middleware.AuthMiddleware(d.tokens))
	d.rooms.Register(api)
	d.messages.Register(api)
	handlers.RegisterDebugRoutes(api, d.audit, cfg.Logging.Debug || os.Getenv("DEBUG") == "true")

	log.Debug("routes registered", "count", len(router.Routes()))
	return router
}
