package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chargemap/chargemap-api/internal/api"
	"github.com/chargemap/chargemap-api/internal/config"
	"github.com/chargemap/chargemap-api/internal/handler"
	"github.com/chargemap/chargemap-api/internal/infrastructure/auth"
	"github.com/chargemap/chargemap-api/internal/infrastructure/kafka"
	"github.com/chargemap/chargemap-api/internal/infrastructure/redis"
	"github.com/chargemap/chargemap-api/internal/observability"
	core "github.com/chargemap/chargemap-api/internal/repository/postgres"
	service "github.com/chargemap/chargemap-api/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	shutdownTracing := observability.Setup("chargemap-api")
	defer shutdownTracing(context.Background())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	userRepo := core.NewPostgresUserRepository(db)

	redisClient, err := redis.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()

	tokens := auth.NewTokenService(cfg)
	svc := service.NewAuthService(userRepo, tokens, redisClient, producer)
	h := handler.NewHandler(svc)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumer := kafka.NewConsumer(cfg.KafkaBrokers, "users", "chargemap-api-users", redisClient)
	go consumer.Consume(consumerCtx)
	defer consumer.Close()
	defer stopConsumer()

	router := api.SetupRouter(h, tokens, redisClient)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
