package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/blastline/campaign-engine/internal/config"
	"github.com/blastline/campaign-engine/internal/dispatch"
	gateway "github.com/blastline/campaign-engine/internal/gateways"
	"github.com/blastline/campaign-engine/internal/governor"
	"github.com/blastline/campaign-engine/internal/health"
	"github.com/blastline/campaign-engine/internal/proxypool"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/internal/selector"
	"github.com/blastline/campaign-engine/internal/services"
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

	transport, err := gateway.NewClient(&gateway.Config{
		BaseURL:         config.Get().ProviderURL,
		Timeout:         config.Get().DispatchSendTimeout,
		MaxConns:        1000,
		ReadBufferSize:  1024 * 4,
		WriteBufferSize: 1024 * 4,
	})
	if err != nil {
		logger.Error("failed to create transport client", "error", err)
		return
	}

	campaignRepo := repository.NewCampaignRepository(db)
	recipientRepo := repository.NewCampaignContactRepository(db)
	bindingRepo := repository.NewCampaignTemplateRepository(db)
	contactRepo := repository.NewContactRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	proxyRepo := repository.NewProxyRepository(db)

	gov := governor.NewRedisGovernor(
		redisAdap.Client(),
		config.Get().RedisUniversalKeyPrefix,
		config.Get().TenantDailyLimit,
		config.Get().TenantConcurrencyLimit,
	)

	campaignService := services.NewCampaignService(campaignRepo, recipientRepo, bindingRepo, gov)
	tracker := health.NewTracker(bindingRepo)
	picker := selector.New(bindingRepo, gov)
	proxies := proxypool.NewManager(proxyRepo, accountRepo)
	limiters := dispatch.NewLimiterRegistry(
		config.Get().DispatchAccountRate,
		config.Get().DispatchAccountBurst,
		config.Get().DispatchAccountParallel,
	)
	leases := dispatch.NewLeaseService(redisAdap, dispatch.LeaseConfig{
		TTL: config.Get().DispatchLeaseTTL,
	})

	runner := dispatch.NewCampaignRunner(dispatch.RunnerDeps{
		Campaigns:   campaignRepo,
		Lifecycle:   campaignService,
		Recipients:  recipientRepo,
		Contacts:    contactRepo,
		Accounts:    accountRepo,
		Templates:   templateRepo,
		Messages:    messageRepo,
		Picker:      picker,
		Health:      tracker,
		Governor:    gov,
		Proxies:     proxies,
		Transport:   transport,
		Limiters:    limiters,
		BatchSize:   config.Get().DispatchBatchSize,
		SendTimeout: config.Get().DispatchSendTimeout,
	})

	engine := dispatch.NewEngine(dispatch.EngineConfig{
		TickInterval:        config.Get().DispatchTickInterval,
		Workers:             config.Get().DispatchWorkers,
		ClaimTimeout:        config.Get().DispatchClaimTimeout,
		ActivationSweepSpec: config.Get().ActivationSweepSpec,
		StaleClaimSweepSpec: config.Get().StaleClaimSweepSpec,
	}, runner, campaignRepo, campaignService, leases)

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
		prom.ListenAndServer(":9100", "/metrics")
	}()

	if err := engine.Start(); err != nil {
		logger.Error("failed to start dispatch engine", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
		engine.Stop()
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
