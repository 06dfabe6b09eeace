package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blastline/campaign-engine/internal/config"
	"github.com/blastline/campaign-engine/internal/health"
	"github.com/blastline/campaign-engine/internal/queue"
	"github.com/blastline/campaign-engine/internal/reconciler"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/pg"
	"github.com/blastline/campaign-engine/pkg/prom"
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

	messageRepo := repository.NewMessageRepository(db)
	clickRepo := repository.NewButtonClickRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	recipientRepo := repository.NewCampaignContactRepository(db)
	bindingRepo := repository.NewCampaignTemplateRepository(db)

	tracker := health.NewTracker(bindingRepo)
	rec := reconciler.New(messageRepo, clickRepo, campaignRepo, recipientRepo, tracker)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9101", "/metrics")
	}()

	err = webhookQueue.Consume(func(ctx context.Context, d *queue.Delivery) error {
		return rec.Process(ctx, &d.Event)
	})
	if err != nil {
		logger.Error("failed to start webhook consumer", "error", err)
		return
	}

	logger.Info("Reconciler started",
		"stream", config.Get().WebhookQueueName,
		"group", config.Get().WebhookQueueConsumerGroup)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		if err := webhookQueue.Stop(30 * time.Second); err != nil {
			logger.Warn("webhook queue stop", "error", err)
		}
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
