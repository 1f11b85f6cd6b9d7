// orchestrator.go
package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/config"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/investment"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/monitor"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/profit"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/risk"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/strategy"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/tracker"

	"github.com/redis/go-redis/v9"
)

type Orchestrator struct {
	cfg       *config.Config
	sim       *exchange.SimBroker
	broker    exchange.Broker
	store     *state.Store
	tracker   *tracker.Tracker
	ledger    *profit.Ledger
	journal   *logs.Journal
	redis     *redis.Client
	metrics   *monitor.Metrics
	scheduler *monitor.Scheduler
	telemetry *monitor.Telemetry
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig) (*Orchestrator, error) {
	if !cfg.UseSimulation {
		return nil, errors.New("no live broker adapter is available, set use_simulation: true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		tracker: tracker.New(),
		ledger:  profit.NewLedger(),
		metrics: monitor.NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}

	o.sim = exchange.NewSimBroker(time.Now().UnixNano())
	for _, sc := range cfg.Symbols {
		o.sim.AddSymbol(sc.Symbol, simStartPrice(sc), 1, sc.PipSize)
	}
	o.sim.Start(time.Second)
	logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")

	// Every consumer of the connection goes through one gate
	policy := exchange.RetryPolicy{
		Attempts:    cfg.Broker.Attempts,
		Backoff:     time.Duration(cfg.Broker.BackoffMs) * time.Millisecond,
		CallTimeout: time.Duration(cfg.Broker.CallTimeoutSeconds) * time.Second,
	}
	gate := exchange.NewGate()
	o.broker = exchange.NewGatedBroker(o.sim, gate, policy)
	feed := exchange.NewGatedFeed(o.sim, gate, policy)

	backend, err := o.newBackend(envCfg)
	if err != nil {
		o.release()
		return nil, err
	}
	o.store = state.NewStore(backend, time.Duration(cfg.State.StalenessMinutes)*time.Minute)

	var recorder logs.Recorder = logs.Discard
	if cfg.Journal.Enabled {
		j, err := logs.NewJournal(cfg.Journal.Directory, cfg.Logs.MaxSizeMB, cfg.Logs.MaxBackups, cfg.Logs.MaxAgeDays, cfg.Logs.Compress)
		if err != nil {
			o.release()
			return nil, fmt.Errorf("failed to open decision journal: %w", err)
		}
		o.journal = j
		recorder = j
		logs.Infof("Decision journal enabled, records will be written to: %s", cfg.Journal.Directory)
	}

	scorer, err := strategy.NewConfluenceScorer(cfg.Confluence)
	if err != nil {
		o.release()
		return nil, fmt.Errorf("failed to create confluence scorer: %w", err)
	}

	if err := o.reconcileStateOnStartup(); err != nil {
		o.release()
		return nil, fmt.Errorf("failed to reconcile state on startup: %w", err)
	}

	o.scheduler = monitor.NewScheduler(cfg, monitor.Components{
		Feed:     feed,
		Broker:   o.broker,
		Store:    o.store,
		Tracker:  o.tracker,
		Recovery: risk.NewRecoveryMachine(cfg, o.store, o.broker, o.tracker, recorder, o.ledger),
		Cascade:  risk.NewCascadeProtector(cfg.Cascade, o.store),
		Scorer:   scorer,
		Exposure: investment.NewManager(cfg.Limits),
		Journal:  recorder,
		Metrics:  o.metrics,
	})
	o.telemetry = monitor.NewTelemetry(o.broker, cfg.SymbolNames(), o.metrics,
		time.Duration(cfg.Normal.TelemetryIntervalSeconds)*time.Second)
	return o, nil
}

func (o *Orchestrator) newBackend(envCfg *config.EnvConfig) (state.Backend, error) {
	switch o.cfg.State.Backend {
	case "redis":
		o.redis = redis.NewClient(&redis.Options{
			Addr:     envCfg.RedisAddr,
			Password: envCfg.RedisPassword,
			DB:       envCfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(o.ctx, 5*time.Second)
		defer cancel()
		if err := o.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", envCfg.RedisAddr, err)
		}
		logs.Infof("State will be persisted to redis %s under key %s", envCfg.RedisAddr, o.cfg.State.RedisKey)
		return state.NewRedisBackend(o.redis, o.cfg.State.RedisKey), nil
	default:
		path := filepath.Join(o.cfg.State.Directory, o.cfg.State.FileName)
		logs.Infof("State will be persisted to: %s", path)
		return state.NewFileBackend(path), nil
	}
}

// reconcileStateOnStartup rebuilds the tracker from the persisted stacks and the broker's positions.
// The broker is the ground truth; whatever the rebuild changed is written back before trading starts.
func (o *Orchestrator) reconcileStateOnStartup() error {
	logs.Info("[Orchestrator] Starting state reconciliation on startup...")

	persisted, err := o.store.Load(o.ctx)
	if err != nil {
		return err
	}
	logs.Infof("[Orchestrator] Loaded %d stacks and blocks for %d symbols.", len(persisted.Stacks), len(persisted.Blocks))

	var positions []exchange.Position
	for _, symbol := range o.cfg.SymbolNames() {
		ps, err := o.broker.Positions(o.ctx, symbol)
		if err != nil {
			return fmt.Errorf("failed to get positions for %s: %w", symbol, err)
		}
		positions = append(positions, ps...)
	}
	logs.Infof("[Orchestrator] Broker reports %d open positions.", len(positions))

	report := o.tracker.Rebuild(persisted.Stacks, positions, time.Now())
	logs.Infof("[Orchestrator] Rebuild: %d restored, %d dropped, %d tickets removed, %d attached, %d adopted.",
		len(report.Validated), len(report.Dropped), len(report.Removed), len(report.Attached), len(report.Adopted))
	if !report.Changed() {
		logs.Info("[Orchestrator] State reconciliation complete.")
		return nil
	}

	for _, id := range report.Dropped {
		if err := o.store.DeleteStack(o.ctx, id); err != nil {
			return err
		}
	}
	for _, st := range o.tracker.All() {
		if err := o.store.PutStack(o.ctx, st); err != nil {
			return err
		}
	}
	logs.Info("[Orchestrator] Reconciled stacks written back. State reconciliation complete.")
	return nil
}

func (o *Orchestrator) Start() {
	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.scheduler.Run(o.ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.telemetry.Run(o.ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.drainErrors()
	}()

	if addr := o.cfg.Metrics.Listen; addr != "" {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.metrics.Serve(o.ctx, addr); err != nil {
				logs.Errorf("[Metrics] Server stopped: %v", err)
			}
		}()
	}
	logs.Infof("Engine started on %v, press Ctrl+C to exit.", o.cfg.SymbolNames())
}

// drainErrors surfaces the failures the scheduler reports to the host.
func (o *Orchestrator) drainErrors() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case err := <-o.scheduler.Errors():
			if errors.Is(err, risk.ErrConfigViolation) {
				logs.Errorf("[Host] Configuration violation, fix the config: %v", err)
				continue
			}
			logs.Errorf("[Host] Persistence failure, state may lag the broker until the next cycle: %v", err)
		}
	}
}

func (o *Orchestrator) Stop() {
	logs.Info("Received close signal, starting graceful shutdown...")

	// Open stacks stay at the broker and are rebuilt on the next start
	o.cancel()
	o.wg.Wait()

	o.printFinalSummary()
	o.release()
	logs.Info("All services stopped successfully.")
}

func (o *Orchestrator) release() {
	o.cancel()
	if o.sim != nil {
		o.sim.Stop()
	}
	if o.journal != nil {
		if err := o.journal.Close(); err != nil {
			logs.Errorf("Failed to close decision journal: %v", err)
		}
		o.journal = nil
	}
	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			logs.Errorf("Failed to close redis client: %v", err)
		}
		o.redis = nil
	}
}

func (o *Orchestrator) printFinalSummary() {
	logs.Info("\n--- Final PnL Summary ---")
	for _, r := range o.ledger.Results() {
		logs.Infof("%s: realized %.2f over %d closed stacks (%d stop-outs)", r.Symbol, r.RealizedPnL, r.Closed, r.StopOuts)
	}
	logs.Info("--------------------")
	logs.Infof("Final realized PnL: %.2f", o.ledger.Total())
	logs.Infof("Stacks left open at the broker: %d", o.tracker.Len())
	logs.Info("--------------------")
}

// simStartPrice picks a plausible opening mid for the simulated market.
func simStartPrice(sc config.SymbolConfig) float64 {
	if sc.PipSize >= 0.01 {
		return 150.0
	}
	return 1.1
}
