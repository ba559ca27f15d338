package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loop-agent/internal/alerts"
	"loop-agent/internal/chain"
	"loop-agent/internal/chain/headfeed"
	"loop-agent/internal/config"
	"loop-agent/internal/exec"
	"loop-agent/internal/history"
	"loop-agent/internal/ledger"
	"loop-agent/internal/metrics"
	"loop-agent/internal/monitor"
	"loop-agent/internal/planner"
	"loop-agent/internal/state/sqlite"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// App wires the planner, ledger, execution engine and health monitor into one
// process. Without LOOP_PRIVATE_KEY it runs in watch-only mode: positions are
// monitored and warnings raised, but every execution attempt fails fast.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	client    *ethclient.Client
	positions *ledger.Ledger
	signer    *chain.Broadcaster
	reader    *chain.Reader
	engine    *exec.Engine
	monitor   *monitor.Monitor
	feed      *headfeed.Feed
	history   *history.Writer
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		store.Close()
		return nil, err
	}
	if !common.IsHexAddress(cfg.Chain.PoolAddress) {
		store.Close()
		client.Close()
		return nil, fmt.Errorf("invalid pool address %q", cfg.Chain.PoolAddress)
	}
	pool := common.HexToAddress(cfg.Chain.PoolAddress)

	tokens := make(map[string]common.Address)
	for _, market := range cfg.Markets {
		if common.IsHexAddress(market.LoanTokenAddress) {
			tokens[market.LoanToken] = common.HexToAddress(market.LoanTokenAddress)
		}
		if common.IsHexAddress(market.CollateralTokenAddress) {
			tokens[market.CollateralToken] = common.HexToAddress(market.CollateralTokenAddress)
		}
	}

	var signer *chain.Broadcaster
	var wallet common.Address
	if key := strings.TrimSpace(os.Getenv("LOOP_PRIVATE_KEY")); key != "" {
		signer, err = chain.NewBroadcaster(client, key, cfg.Chain.ChainID, pool, tokens, log)
		if err != nil {
			store.Close()
			client.Close()
			return nil, err
		}
		wallet = signer.Address()
	} else {
		addr := strings.TrimSpace(os.Getenv("LOOP_WALLET_ADDRESS"))
		if !common.IsHexAddress(addr) {
			store.Close()
			client.Close()
			return nil, errors.New("LOOP_PRIVATE_KEY or LOOP_WALLET_ADDRESS is required")
		}
		wallet = common.HexToAddress(addr)
		log.Warn("no signing key configured, running watch-only", zap.String("wallet", wallet.Hex()))
	}

	reader, err := chain.NewReader(client, pool, chain.StaticResolver{Address: wallet}, log)
	if err != nil {
		store.Close()
		client.Close()
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	positions := ledger.New(store, log)

	var execSigner exec.Signer
	if signer != nil {
		execSigner = signer
	}
	engine := exec.New(execSigner, positions, store, alertsClient, m, log)
	engine.SetConfirmTimeout(cfg.Execution.ConfirmTimeout)

	hist, err := history.New(cfg.History, log)
	if err != nil {
		store.Close()
		client.Close()
		return nil, err
	}

	mon := monitor.New(monitor.Config{
		Interval:          cfg.Monitor.Interval,
		WarningThreshold:  cfg.Monitor.WarningThreshold,
		CriticalThreshold: cfg.Monitor.CriticalThreshold,
	}, reader, positions, engine, alertsClient, m, log)
	if hist != nil {
		mon.SetSampleHook(func(pos ledger.Position, st monitor.AccountState) {
			hist.EnqueueHealth(history.HealthSample{
				Time:         time.Now().UTC(),
				UserID:       pos.UserID,
				Market:       pos.Market.Key(),
				Collateral:   st.Collateral.String(),
				Debt:         st.Debt.String(),
				HealthFactor: st.HealthFactor,
				Leverage:     pos.Leverage(),
			})
		})
	}

	var feed *headfeed.Feed
	if cfg.Chain.WSURL != "" {
		feed = headfeed.New(cfg.Chain.WSURL, cfg.Chain.ReconnectDelay, mon.Nudge, log)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		client:    client,
		positions: positions,
		signer:    signer,
		reader:    reader,
		engine:    engine,
		monitor:   mon,
		feed:      feed,
		history:   hist,
		metrics:   m,
		prom:      prom,
		alerts:    alertsClient,
	}, nil
}

// Run restores persisted positions, reconciles them against the chain, then
// blocks in the monitor loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.client.Close()
	if a.history != nil {
		a.history.Start(ctx)
		defer a.history.Close()
	}

	if err := a.positions.Restore(ctx); err != nil {
		return err
	}
	a.reconcile(ctx)

	if a.prom != nil {
		a.serveMetrics(ctx)
	}
	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("head feed stopped", zap.Error(err))
			}
		}()
	}
	a.startOperator(ctx)

	return a.monitor.Run(ctx)
}

// reconcile compares every restored position with live chain state. The chain
// is the source of truth for divergence warnings, but the ledger is not
// overwritten: an operator decides what a mismatch means.
func (a *App) reconcile(ctx context.Context) {
	open := a.positions.OpenPositions()
	a.log.Info("restored positions", zap.Int("open", len(open)))
	for _, pos := range open {
		st, err := a.reader.ReadAccountState(ctx, pos.UserID, pos.Market)
		if err != nil {
			a.log.Warn("reconcile read failed",
				zap.String("user", pos.UserID),
				zap.String("market", pos.Market.Key()),
				zap.Error(err))
			continue
		}
		if pos.CurrentCollateral.Cmp(st.Collateral) != 0 || pos.CurrentDebt.Cmp(st.Debt) != 0 {
			a.log.Warn("ledger diverges from chain",
				zap.String("user", pos.UserID),
				zap.String("market", pos.Market.Key()),
				zap.String("ledger_collateral", pos.CurrentCollateral.String()),
				zap.String("chain_collateral", st.Collateral.String()),
				zap.String("ledger_debt", pos.CurrentDebt.String()),
				zap.String("chain_debt", st.Debt.String()))
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: a.prom.Handler()}
	go func() {
		a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// Plan computes a loop plan for a configured market without touching the
// chain or the ledger.
func (a *App) Plan(collateralToken, loanToken string, initialCollateral *big.Int, targetLeverage float64) (planner.LoopPlan, error) {
	marketCfg, ok := a.cfg.FindMarket(collateralToken, loanToken)
	if !ok {
		return planner.LoopPlan{}, fmt.Errorf("market %s/%s is not configured", collateralToken, loanToken)
	}
	return planner.PlanLeverage(marketCfg.Market(), initialCollateral, targetLeverage, planner.Options{
		MaxIterations: a.cfg.Planner.MaxIterations,
		LeverageCap:   marketCfg.LeverageCap,
	})
}

// OpenPosition plans and executes a leverage loop for userID. The returned
// result reports per-step outcomes even when the run aborts partway.
func (a *App) OpenPosition(ctx context.Context, userID, collateralToken, loanToken string, initialCollateral *big.Int, targetLeverage float64) (exec.ExecutionResult, error) {
	plan, err := a.Plan(collateralToken, loanToken, initialCollateral, targetLeverage)
	if err != nil {
		return exec.ExecutionResult{}, err
	}
	res := a.engine.Execute(ctx, plan, userID)
	a.recordExecution(userID, plan.Market.Key(), res)
	return res, res.Err
}

// Deleverage unwinds userID's position toward targetLeverage.
func (a *App) Deleverage(ctx context.Context, userID, collateralToken, loanToken string, targetLeverage float64) (exec.ExecutionResult, error) {
	marketCfg, ok := a.cfg.FindMarket(collateralToken, loanToken)
	if !ok {
		return exec.ExecutionResult{}, fmt.Errorf("market %s/%s is not configured", collateralToken, loanToken)
	}
	market := marketCfg.Market()
	pos, ok := a.positions.Get(userID, market)
	if !ok {
		return exec.ExecutionResult{}, ledger.ErrPositionNotFound
	}
	plan, err := planner.PlanDeleverage(market, pos.InitialCollateral, pos.CurrentDebt, targetLeverage)
	if err != nil {
		return exec.ExecutionResult{}, err
	}
	res := a.engine.ExecuteDeleverage(ctx, userID, plan)
	a.recordExecution(userID, market.Key(), res)
	return res, res.Err
}

// Position returns the ledger's view of one position.
func (a *App) Position(userID, collateralToken, loanToken string) (ledger.Position, bool) {
	marketCfg, ok := a.cfg.FindMarket(collateralToken, loanToken)
	if !ok {
		return ledger.Position{}, false
	}
	return a.positions.Get(userID, marketCfg.Market())
}

func (a *App) recordExecution(userID, market string, res exec.ExecutionResult) {
	if a.history == nil {
		return
	}
	now := time.Now().UTC()
	for _, step := range res.Steps {
		record := history.StepRecord{
			Time:      now,
			UserID:    userID,
			Market:    market,
			PlanID:    res.PlanID,
			StepIndex: step.Index,
			Kind:      string(step.Kind),
			Amount:    step.Amount,
			Success:   step.Success,
			Error:     step.ErrText,
		}
		if len(step.TxRefs) > 0 {
			record.TxHash = step.TxRefs[len(step.TxRefs)-1]
		}
		a.history.EnqueueStep(record)
	}
}
