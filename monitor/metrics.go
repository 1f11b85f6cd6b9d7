// monitor/metrics.go
package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/exchange"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/logs"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/risk"
	"github.com/andyjohnson947/Ganymede-Prod-Rev-1.9/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the engine's counters and gauges.
//
//   - ganymede_cycles_total                    control loop cycles run
//   - ganymede_cycle_errors_total{kind}        cycle errors by kind (persistence|config|broker|other)
//   - ganymede_recovery_actions_total{symbol,action}
//   - ganymede_recovery_blocked_total{symbol,action}
//   - ganymede_stack_closes_total{symbol,reason}
//   - ganymede_cascades_total{scope}           breaker firings (symbol|account)
//   - ganymede_open_stacks{symbol}             live stacks in the tracker
//   - ganymede_unrealized_pnl{symbol}          floating P&L of the live stacks
//   - ganymede_active_blocks{kind}             unexpired cascade and trend blocks
//   - ganymede_broker_positions{symbol}        positions reported by the broker (telemetry)
//   - ganymede_broker_lots{symbol}             volume reported by the broker (telemetry)
//   - ganymede_last_cycle_timestamp_seconds
//
// Each Metrics owns its registry so tests and multiple engines never collide.
type Metrics struct {
	Registry *prometheus.Registry

	cycles          prometheus.Counter
	cycleErrors     *prometheus.CounterVec
	actions         *prometheus.CounterVec
	blocked         *prometheus.CounterVec
	closes          *prometheus.CounterVec
	cascades        *prometheus.CounterVec
	openStacks      *prometheus.GaugeVec
	unrealized      *prometheus.GaugeVec
	activeBlocks    *prometheus.GaugeVec
	brokerPositions *prometheus.GaugeVec
	brokerLots      *prometheus.GaugeVec
	lastCycle       prometheus.Gauge
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ganymede_cycles_total",
			Help: "Control loop cycles run",
		}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ganymede_cycle_errors_total",
			Help: "Errors raised during cycles, by kind",
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ganymede_recovery_actions_total",
			Help: "Recovery actions carried out",
		}, []string{"symbol", "action"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ganymede_recovery_blocked_total",
			Help: "Recovery triggers held back or refused",
		}, []string{"symbol", "action"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ganymede_stack_closes_total",
			Help: "Stacks closed, by reason",
		}, []string{"symbol", "reason"}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ganymede_cascades_total",
			Help: "Cascade breaker firings",
		}, []string{"scope"}),
		openStacks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ganymede_open_stacks",
			Help: "Live stacks per symbol",
		}, []string{"symbol"}),
		unrealized: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ganymede_unrealized_pnl",
			Help: "Floating P&L of the live stacks per symbol, in account currency",
		}, []string{"symbol"}),
		activeBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ganymede_active_blocks",
			Help: "Unexpired blocks by kind",
		}, []string{"kind"}),
		brokerPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ganymede_broker_positions",
			Help: "Open positions reported by the broker",
		}, []string{"symbol"}),
		brokerLots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ganymede_broker_lots",
			Help: "Open volume reported by the broker",
		}, []string{"symbol"}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ganymede_last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),
	}
	m.Registry.MustRegister(m.cycles, m.cycleErrors, m.actions, m.blocked, m.closes, m.cascades)
	m.Registry.MustRegister(m.openStacks, m.unrealized, m.activeBlocks, m.brokerPositions, m.brokerLots, m.lastCycle)
	return m
}

// ObserveOutcome counts what one evaluation did.
func (m *Metrics) ObserveOutcome(out risk.Outcome) {
	action := actionName(out.Action)
	switch {
	case out.Blocked:
		m.blocked.WithLabelValues(out.Symbol, action).Inc()
	case out.Placed != "":
		m.actions.WithLabelValues(out.Symbol, action).Inc()
	}
	if out.Closed {
		m.closes.WithLabelValues(out.Symbol, out.CloseReason).Inc()
	}
}

// ObserveCascade counts a breaker firing.
func (m *Metrics) ObserveCascade(trig *risk.CascadeTrigger) {
	scope := string(state.ScopeSymbol)
	if trig.Account {
		scope = string(state.ScopeAccount)
	}
	m.cascades.WithLabelValues(scope).Inc()
}

// ObserveError counts a cycle error by kind.
func (m *Metrics) ObserveError(err error) {
	m.cycleErrors.WithLabelValues(errorKind(err)).Inc()
}

// SetStacks publishes the live stack count and floating P&L of symbol.
func (m *Metrics) SetStacks(symbol string, open int, unrealized float64) {
	m.openStacks.WithLabelValues(symbol).Set(float64(open))
	m.unrealized.WithLabelValues(symbol).Set(unrealized)
}

// SetBlocks publishes the number of unexpired blocks by kind.
func (m *Metrics) SetBlocks(blocks []state.BlockEntry, now time.Time) {
	counts := map[state.BlockKind]int{state.KindCascade: 0, state.KindTrend: 0}
	for _, b := range blocks {
		if b.Active(now) {
			counts[b.Kind]++
		}
	}
	for kind, n := range counts {
		m.activeBlocks.WithLabelValues(string(kind)).Set(float64(n))
	}
}

// SetBrokerExposure publishes what the broker reports for symbol.
func (m *Metrics) SetBrokerExposure(symbol string, positions int, lots float64) {
	m.brokerPositions.WithLabelValues(symbol).Set(float64(positions))
	m.brokerLots.WithLabelValues(symbol).Set(lots)
}

// CycleDone marks the end of a cycle.
func (m *Metrics) CycleDone(now time.Time) {
	m.cycles.Inc()
	m.lastCycle.Set(float64(now.Unix()))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("[Metrics] Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func actionName(a risk.Action) string {
	switch a.(type) {
	case *risk.OpenDCAAction:
		return "dca"
	case *risk.OpenHedgeAction:
		return "hedge"
	case *risk.OpenGridAction:
		return "grid"
	case *risk.ForceCloseAction:
		return "force_close"
	default:
		return "none"
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, state.ErrPersistence):
		return "persistence"
	case errors.Is(err, risk.ErrConfigViolation):
		return "config"
	case errors.Is(err, exchange.ErrBrokerUnavailable):
		return "broker"
	default:
		return "other"
	}
}
