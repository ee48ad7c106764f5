package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/directory"
	"messaging-service/internal/handlers"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/realtime"
	"messaging-service/internal/repositories"
	"messaging-service/internal/session"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/tracing"
	"messaging-service/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("MSG_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Init(ctx, cfg.App.Name, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	database, err := db.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	var bus realtime.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := realtime.NewNATSBus(cfg.NATS)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsBus.Close()
		bus = natsBus
	} else {
		log.Printf("nats not configured, using in-process bus")
		bus = realtime.NewMemoryBus()
	}

	var store presence.Store
	if cfg.Redis.Addr != "" {
		redisStore := presence.NewRedisStore(cfg.Redis)
		defer redisStore.Close()
		store = redisStore
	} else {
		log.Printf("redis not configured, using in-process presence store")
		store = presence.NewMemoryStore()
	}
	tracker := presence.NewTracker(store, cfg.Timing.OnlineWindow)

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer auditPublisher.Close()
	audit := telemetry.NewAuditEmitter(auditPublisher, "audit.messaging", cfg.App.Name, cfg.App.Environment)

	if eventPublisher, err := observability.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange); err == nil {
		observability.SetPublisher(eventPublisher)
		defer eventPublisher.Close()
	} else {
		log.Printf("ws event publishing disabled: %v", err)
	}

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	profileRepo := repositories.NewProfileRepo(database)

	dir := directory.New(conversationRepo, messageRepo, profileRepo, audit)

	orchestrator := session.NewOrchestrator(messageRepo, profileRepo, bus, session.Timings{
		TypingThrottle:   cfg.Timing.TypingThrottle,
		TypingIdleExpiry: cfg.Timing.TypingIdleExpiry,
		TypingPeerExpiry: cfg.Timing.TypingPeerExpiry,
		ReconcileWindow:  cfg.Timing.ReconcileWindow,
		RoomLoadLimit:    cfg.Timing.RoomLoadLimit,
	})
	defer orchestrator.CloseAll()

	tokens := auth.NewService(cfg.Auth.JWTSecret)

	conversationHandler := handlers.NewConversationHandler(dir, conversationRepo, messageRepo, profileRepo, bus)
	gateway := ws.NewGateway(orchestrator, dir, profileRepo, tracker, tokens, ws.Timings{
		PresencePoll:      cfg.Timing.PresencePoll,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
	})

	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.App.Name))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(tokens)

	router.GET("/conversations", authMiddleware, conversationHandler.ListConversations)
	router.POST("/conversations/direct", authMiddleware, conversationHandler.StartDirect)
	router.GET("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.GetMessages)
	router.POST("/conversations/:conversation_id/messages", authMiddleware, conversationHandler.PostMessage)
	router.DELETE("/conversations/:conversation_id", authMiddleware, conversationHandler.DeleteConversation)
	router.GET("/room", authMiddleware, conversationHandler.GetRoom)

	router.GET("/ws/conversations/:conversation_id", gateway.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		orchestrator.CloseAll()
		os.Exit(0)
	}()

	if err := router.Run(":" + cfg.App.Port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
