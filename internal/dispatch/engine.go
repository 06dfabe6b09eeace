package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/worker"
	"github.com/robfig/cron/v3"
)

const ShutdownTimeout = time.Minute

// EngineConfig tunes the dispatch loop.
type EngineConfig struct {
	TickInterval time.Duration
	Workers      int
	ClaimTimeout time.Duration

	// Cron specs for the background sweeps.
	ActivationSweepSpec string
	StaleClaimSweepSpec string
}

// Engine is the dispatcher's outer loop: every tick it lists due campaigns
// and fans each one out to the worker pool, where a runner claims and sends
// one batch under the campaign's lease.
type Engine struct {
	config EngineConfig

	runner    *CampaignRunner
	campaigns CampaignStore
	lifecycle Lifecycle
	leases    *LeaseService

	worker *worker.WorkerManager
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(config EngineConfig, runner *CampaignRunner, campaigns CampaignStore, lifecycle Lifecycle, leases *LeaseService) *Engine {
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = 5 * time.Minute
	}
	if config.ActivationSweepSpec == "" {
		config.ActivationSweepSpec = "@every 15s"
	}
	if config.StaleClaimSweepSpec == "" {
		config.StaleClaimSweepSpec = "@every 1m"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:    config,
		runner:    runner,
		campaigns: campaigns,
		lifecycle: lifecycle,
		leases:    leases,
		worker:    worker.NewWorkerManager(10_000, config.Workers, nil),
		cron:      cron.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (e *Engine) Start() error {
	logger.Info("Starting Dispatch Engine...")

	e.worker.SetWorker(e.workerHandler)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.worker.Start(); err != nil {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	if _, err := e.cron.AddFunc(e.config.ActivationSweepSpec, e.activateDue); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc(e.config.StaleClaimSweepSpec, e.sweepStaleClaims); err != nil {
		return err
	}
	e.cron.Start()

	e.wg.Add(2)
	go e.tickLoop()
	go e.metricsReporter()

	logger.Info("Dispatch Engine started",
		"tick_interval", e.config.TickInterval,
		"workers", e.config.Workers)
	return nil
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	due, err := e.campaigns.ListDue(e.ctx, time.Now())
	if err != nil {
		logger.Error("Failed to list due campaigns", "error", err)
		return
	}
	for _, c := range due {
		e.worker.Enqueue(c.ID)
	}
}

// workerHandler processes one campaign tick in the worker pool.
func (e *Engine) workerHandler(workerIndex int, job interface{}) {
	campaignID, ok := job.(int64)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Campaign tick panicked",
				"worker", workerIndex, "campaign_id", campaignID, "panic", rec)
		}
	}()

	lease, err := e.leases.Acquire(e.ctx, campaignID)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			// Another replica has it; skip quietly.
			return
		}
		logger.Error("Failed to acquire campaign lease",
			"campaign_id", campaignID, "error", err)
		return
	}
	defer lease.Release(e.ctx)

	if err := e.runner.RunTick(e.ctx, campaignID); err != nil {
		logger.Error("Campaign tick failed",
			"worker", workerIndex, "campaign_id", campaignID, "error", err)
	}
}

// activateDue flips scheduled campaigns whose time has arrived to running.
func (e *Engine) activateDue() {
	campaigns, err := e.campaigns.ListActivatable(e.ctx, time.Now())
	if err != nil {
		logger.Error("Failed to list activatable campaigns", "error", err)
		return
	}
	for _, c := range campaigns {
		if err := e.lifecycle.Activate(e.ctx, c.ID); err != nil {
			if errors.Is(err, model.ErrInvalidTransition) {
				continue
			}
			logger.Warn("Failed to activate campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		logger.Info("Campaign activated", "campaign_id", c.ID, "tenant_id", c.TenantID)
	}
}

// sweepStaleClaims returns recipients a crashed worker left in flight back to
// pending. Together with the claim token this is what makes dispatch
// at-least-once rather than at-most-once.
func (e *Engine) sweepStaleClaims() {
	cutoff := time.Now().Add(-e.config.ClaimTimeout)
	n, err := e.runner.recipients.ReleaseStale(e.ctx, cutoff)
	if err != nil {
		logger.Error("Stale claim sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Warn("Reclaimed stale in-flight recipients", "count", n, "cutoff", cutoff)
	}
}

func (e *Engine) metricsReporter() {
	defer e.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			stats := e.runner.metrics.GetStats()
			logger.Info("Dispatch metrics",
				"total_sent", stats["total_sent"],
				"total_failed", stats["total_failed"],
				"total_no_transport", stats["total_no_transport"],
				"total_requeued", stats["total_requeued"],
				"rate_per_second", stats["rate_per_second"],
				"avg_send_ms", stats["avg_send_ms"])
		}
	}
}

// Stop drains the engine: no new ticks start, queued campaign jobs finish,
// cron sweeps stop.
func (e *Engine) Stop() {
	logger.Info("Shutting down Dispatch Engine...")

	e.cancel()

	cronCtx := e.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(ShutdownTimeout):
		logger.Warn("Timeout waiting for cron jobs to stop")
	}

	e.worker.Exit()
	e.wg.Wait()

	logger.Info("Dispatch Engine stopped")
}
