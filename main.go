package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"party-service/internal/db"
	"party-service/internal/handlers"
	"party-service/internal/middleware"
	"party-service/internal/observability"
	"party-service/internal/party"
	"party-service/internal/presence"
	"party-service/internal/rabbitmq"
	"party-service/internal/repositories"
	"party-service/internal/telemetry"
	"party-service/internal/ws"
)

func main() {
	ctx := context.Background()

	database, err := db.Connect()
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	shutdownTracing, err := observability.SetupTracing(ctx, "party-service", getEnv("OTLP_GRPC_ENDPOINT", ""))
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	amqpURL := getEnv("AMQP_URL", "")
	eventsPublisher, err := observability.NewAMQPPublisher(amqpURL, getEnv("AMQP_EXCHANGE", "party_events"))
	if err != nil {
		log.Printf("operational events disabled: %v", err)
	} else {
		observability.SetPublisher(eventsPublisher)
		defer eventsPublisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(amqpURL, getEnv("AUDIT_EXCHANGE", "audit"))
	defer auditPublisher.Close()
	log.Printf("audit publisher mode=%s", rabbitmq.PublisherMode(auditPublisher))
	audit := telemetry.NewAuditEmitter(auditPublisher, "audit.party", "party-service", getEnv("ENVIRONMENT", "dev"))

	var tracker presence.Tracker
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		tracker = presence.NewRedisTracker(client, 45*time.Second)
		log.Printf("presence tracker backed by redis at %s", redisAddr)
	} else {
		tracker = presence.NewMemoryTracker()
	}

	partyRepo := repositories.NewPartyRepo(database)
	logRepo := repositories.NewLogRepo(database)
	stateRepo := repositories.NewStateRepo(database)

	hub := ws.NewHub(tracker)
	svc := party.NewService(logRepo, stateRepo, hub)

	partyHandler := handlers.NewPartyHandler(partyRepo, svc, hub, audit)
	syncHandler := handlers.NewSyncHandler(partyRepo, svc, audit)
	partyWS := ws.NewPartyWebSocketHandler(hub, svc, partyRepo, tracker)

	router := gin.Default()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("party-service"))
	router.Use(observability.HTTPMetricsMiddleware())

	identity := middleware.IdentityMiddleware()

	router.POST("/parties", identity, partyHandler.CreateParty)
	router.GET("/parties", identity, partyHandler.ListParties)
	router.POST("/parties/:party_id/join", identity, partyHandler.JoinParty)
	router.POST("/parties/:party_id/leave", identity, partyHandler.LeaveParty)
	router.DELETE("/parties/:party_id", identity, partyHandler.ArchiveParty)
	router.GET("/parties/:party_id/presence", identity, partyHandler.GetPresence)

	router.GET("/parties/:party_id/log", identity, syncHandler.GetLog)
	router.POST("/parties/:party_id/logs/message", identity, syncHandler.PostMessage)
	router.GET("/parties/:party_id/state", identity, syncHandler.GetState)
	router.PATCH("/parties/:party_id/state", identity, syncHandler.PatchState)

	router.GET("/ws/parties/:party_id", partyWS.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, getEnv("AUDIT_DEBUG", "") != "")

	port := getEnv("PORT", "8086")
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
