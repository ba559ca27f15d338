package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync/atomic"
	"time"

	"loop-agent/internal/alerts"
	"loop-agent/internal/exec"
	"loop-agent/internal/ledger"
	"loop-agent/internal/lending"
	"loop-agent/internal/metrics"
	"loop-agent/internal/planner"

	"go.uber.org/zap"
)

// ErrStaleRead marks a chain read that failed or returned data too
// inconsistent to act on. The monitor treats it as "unknown", never as
// "healthy".
var ErrStaleRead = errors.New("stale chain read")

// AccountState is a point-in-time view of one position on chain.
type AccountState struct {
	Collateral   *big.Int
	Debt         *big.Int
	HealthFactor float64
}

type ChainReader interface {
	ReadAccountState(ctx context.Context, userID string, market lending.CollateralMarket) (AccountState, error)
}

// Unwinder is the execution-engine surface the monitor needs.
type Unwinder interface {
	ExecuteDeleverage(ctx context.Context, userID string, plan planner.DeleveragePlan) exec.ExecutionResult
}

type Config struct {
	Interval          time.Duration
	WarningThreshold  float64
	CriticalThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = 1.5
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = 1.2
	}
	return c
}

// Monitor polls every open position's live health factor and unwinds
// positions that cross the critical threshold. A failed read skips that
// position for the cycle; the loop itself never dies.
type Monitor struct {
	cfg       Config
	reader    ChainReader
	positions *ledger.Ledger
	unwinder  Unwinder
	audit     alerts.Sink
	metrics   *metrics.Metrics
	log       *zap.Logger

	paused   atomic.Bool
	nudge    chan struct{}
	onSample func(ledger.Position, AccountState)
}

func New(cfg Config, reader ChainReader, positions *ledger.Ledger, unwinder Unwinder, audit alerts.Sink, m *metrics.Metrics, log *zap.Logger) *Monitor {
	if audit == nil {
		audit = alerts.Noop{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg.withDefaults(),
		reader:    reader,
		positions: positions,
		unwinder:  unwinder,
		audit:     audit,
		metrics:   m,
		log:       log,
		nudge:     make(chan struct{}, 1),
	}
}

// SetSampleHook registers a callback invoked with every successful health
// read, e.g. to feed the history writer. Must be set before Run.
func (m *Monitor) SetSampleHook(hook func(ledger.Position, AccountState)) {
	m.onSample = hook
}

// SetPaused suspends automatic unwinds; warnings are still emitted.
func (m *Monitor) SetPaused(paused bool) {
	m.paused.Store(paused)
}

// Nudge asks for an extra cycle soon, e.g. on a new chain head. Never blocks.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runCycle(ctx)
		case <-m.nudge:
			m.runCycle(ctx)
		}
	}
}

// runCycle checks positions sequentially; a failure on one position never
// stops the rest of the cycle.
func (m *Monitor) runCycle(ctx context.Context) {
	for _, pos := range m.positions.OpenPositions() {
		if ctx.Err() != nil {
			return
		}
		m.checkPosition(ctx, pos)
	}
}

func (m *Monitor) checkPosition(ctx context.Context, pos ledger.Position) {
	st, err := m.reader.ReadAccountState(ctx, pos.UserID, pos.Market)
	if err != nil {
		m.metrics.StaleReads.Inc()
		m.log.Warn("health read failed, skipping cycle for position",
			zap.String("user", pos.UserID),
			zap.String("market", pos.Market.Key()),
			zap.Error(err),
		)
		return
	}
	health := st.HealthFactor
	if math.IsNaN(health) || health <= 0 {
		m.metrics.StaleReads.Inc()
		m.log.Warn("health read returned unusable data, skipping",
			zap.String("user", pos.UserID),
			zap.Float64("health_factor", health),
		)
		return
	}
	if m.onSample != nil {
		m.onSample(pos, st)
	}

	switch {
	case health < m.cfg.CriticalThreshold:
		m.unwind(ctx, pos, st)
	case health < m.cfg.WarningThreshold:
		m.metrics.HealthWarnings.Inc()
		m.record(ctx, alerts.Event{
			Type:   alerts.EventHealthWarning,
			UserID: pos.UserID,
			Market: pos.Market.Key(),
			Time:   time.Now().UTC(),
			Details: map[string]string{
				"health_factor":     fmt.Sprintf("%.4f", health),
				"warning_threshold": fmt.Sprintf("%.4f", m.cfg.WarningThreshold),
			},
		})
	}
}

func (m *Monitor) unwind(ctx context.Context, pos ledger.Position, st AccountState) {
	if m.paused.Load() {
		m.log.Warn("critical health but automatic unwind is paused",
			zap.String("user", pos.UserID),
			zap.Float64("health_factor", st.HealthFactor),
		)
		return
	}
	target := impliedLeverage(m.cfg.WarningThreshold, pos.Market.LiquidationThreshold)
	if lev := pos.Leverage(); target > lev {
		target = lev
	}
	if target < 1 {
		target = 1
	}
	plan, err := planner.PlanDeleverage(pos.Market, pos.InitialCollateral, st.Debt, target)
	if err != nil {
		m.log.Error("deleverage planning failed",
			zap.String("user", pos.UserID),
			zap.String("market", pos.Market.Key()),
			zap.Error(err),
		)
		return
	}
	m.metrics.DeleveragesTriggered.Inc()
	m.record(ctx, alerts.Event{
		Type:   alerts.EventDeleverageRun,
		UserID: pos.UserID,
		Market: pos.Market.Key(),
		Time:   time.Now().UTC(),
		Details: map[string]string{
			"trigger_health_factor": fmt.Sprintf("%.4f", st.HealthFactor),
			"critical_threshold":    fmt.Sprintf("%.4f", m.cfg.CriticalThreshold),
			"target_leverage":       fmt.Sprintf("%.4f", target),
			"repay_amount":          plan.RepayAmount.String(),
		},
	})
	res := m.unwinder.ExecuteDeleverage(ctx, pos.UserID, plan)
	if res.Err != nil {
		m.log.Error("automatic deleverage failed",
			zap.String("user", pos.UserID),
			zap.String("market", pos.Market.Key()),
			zap.Error(res.Err),
		)
		return
	}
	m.log.Info("position unwound",
		zap.String("user", pos.UserID),
		zap.String("market", pos.Market.Key()),
		zap.Float64("trigger_health_factor", st.HealthFactor),
		zap.String("repay_amount", plan.RepayAmount.String()),
	)
}

// impliedLeverage inverts health = leverage * threshold / (leverage - 1) to
// find the leverage at which a position would sit exactly at the given health
// factor. Health at or below the liquidation threshold has no finite
// solution; fall back to 1x.
func impliedLeverage(health, liquidationThreshold float64) float64 {
	if health <= liquidationThreshold {
		return 1
	}
	return health / (health - liquidationThreshold)
}

func (m *Monitor) record(ctx context.Context, event alerts.Event) {
	if err := m.audit.Record(ctx, event); err != nil {
		m.log.Warn("audit record failed", zap.String("event", event.Type), zap.Error(err))
	}
}
