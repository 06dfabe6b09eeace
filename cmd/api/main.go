package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blastline/campaign-engine/internal/config"
	"github.com/blastline/campaign-engine/internal/governor"
	"github.com/blastline/campaign-engine/internal/handlers"
	"github.com/blastline/campaign-engine/internal/queue"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/internal/services"
	xhttp "github.com/blastline/campaign-engine/pkg/http"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/pg"
	"github.com/blastline/campaign-engine/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	webhookQueue, err := queue.NewEventQueue(redisAdap, queue.Config{
		Stream:            config.Get().WebhookQueueName,
		ConsumerGroup:     config.Get().WebhookQueueConsumerGroup,
		ConsumerName:      config.Get().WebhookQueueConsumerName,
		MaxRetries:        config.Get().WebhookQueueMaxRetries,
		VisibilityTimeout: config.Get().WebhookQueueVisibilityTimeout,
		PollInterval:      config.Get().WebhookQueuePollInterval,
		BatchSize:         config.Get().WebhookQueueBatchSize,
		MaxLen:            config.Get().WebhookQueueMaxLen,
		EnableDLQ:         config.Get().WebhookQueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating webhook queue", "error", err)
		return
	}

	campaignRepo := repository.NewCampaignRepository(db)
	campaignContactRepo := repository.NewCampaignContactRepository(db)
	bindingRepo := repository.NewCampaignTemplateRepository(db)

	gov := governor.NewRedisGovernor(
		redisAdap.Client(),
		config.Get().RedisUniversalKeyPrefix,
		config.Get().TenantDailyLimit,
		config.Get().TenantConcurrencyLimit,
	)

	// services
	campaignService := services.NewCampaignService(campaignRepo, campaignContactRepo, bindingRepo, gov)
	healthService := services.NewHealthService()

	// v1 handlers
	campaignHandler := handlers.NewCampaignHandler(campaignService)
	webhookHandler := handlers.NewWebhookHandler(webhookQueue)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterCampaignRoutes(g, campaignHandler)
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
