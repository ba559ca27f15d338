package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"loop-agent/internal/alerts"
	"loop-agent/internal/ledger"
	"loop-agent/internal/lending"
	"loop-agent/internal/metrics"
	"loop-agent/internal/planner"
	"loop-agent/internal/state"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	defaultConfirmTimeout = 120 * time.Second
	journalKeyPrefix      = "journal:"
)

// StepResult reports one loop step (or one deleverage leg) of a plan run.
type StepResult struct {
	Index   int      `json:"index"`
	Kind    Kind     `json:"kind"`
	Amount  string   `json:"amount,omitempty"`
	Success bool     `json:"success"`
	TxRefs  []string `json:"tx_refs,omitempty"`
	Err     error    `json:"-"`
	ErrText string   `json:"error,omitempty"`
}

// ExecutionResult is the structured partial-success report of a plan run. The
// Position snapshot reflects exactly the last confirmed step; failed steps are
// never applied and never rolled back.
type ExecutionResult struct {
	PlanID    string          `json:"plan_id"`
	Steps     []StepResult    `json:"steps"`
	Position  ledger.Position `json:"position"`
	Completed bool            `json:"completed"`
	Err       error           `json:"-"`
}

// Engine turns loop plans into strictly sequential on-chain instruction runs.
// Each instruction is confirmed before the next is submitted: a later step's
// borrow capacity assumes the prior step's supply is already on chain.
type Engine struct {
	signer         Signer
	positions      *ledger.Ledger
	journal        state.Store
	audit          alerts.Sink
	metrics        *metrics.Metrics
	log            *zap.Logger
	confirmTimeout time.Duration
}

func New(signer Signer, positions *ledger.Ledger, journal state.Store, audit alerts.Sink, m *metrics.Metrics, log *zap.Logger) *Engine {
	if audit == nil {
		audit = alerts.Noop{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		signer:         signer,
		positions:      positions,
		journal:        journal,
		audit:          audit,
		metrics:        m,
		log:            log,
		confirmTimeout: defaultConfirmTimeout,
	}
}

// SetConfirmTimeout overrides the per-instruction confirmation wait.
func (e *Engine) SetConfirmTimeout(d time.Duration) {
	if d > 0 {
		e.confirmTimeout = d
	}
}

// Execute runs a loop plan for userID. Execution stops at the first failed
// instruction; confirmed state is kept and reported, not rolled back. A plan
// always starts from zero: running one against an already open position is
// rejected, because the plan's cumulative totals would not account for the
// debt already on chain.
func (e *Engine) Execute(ctx context.Context, plan planner.LoopPlan, userID string) ExecutionResult {
	res := ExecutionResult{PlanID: loopPlanID(userID, plan)}
	if e.signer == nil {
		return e.abort(ctx, res, userID, plan.Market, -1, ErrSignerUnavailable)
	}
	if userID == "" {
		return e.abort(ctx, res, userID, plan.Market, -1, fmt.Errorf("%w: user id is required", planner.ErrInvalidInput))
	}
	if existing, open := e.positions.Get(userID, plan.Market); open && !existing.Closed {
		res.Position = existing
		return e.abort(ctx, res, userID, plan.Market, -1,
			fmt.Errorf("%w: %s in %s", ErrPositionExists, userID, plan.Market.Key()))
	}
	sequence := 0

	supply := Instruction{
		PlanID:   res.PlanID,
		Sequence: sequence,
		Kind:     KindSupply,
		UserID:   userID,
		Market:   plan.Market,
		Amount:   plan.InitialCollateral,
	}
	conf, err := e.submit(ctx, supply)
	if err != nil {
		e.metrics.StepsFailed.Inc()
		return e.abort(ctx, res, userID, plan.Market, -1, err)
	}
	sequence++
	pos, err := e.positions.Open(ctx, userID, plan.Market, plan.InitialCollateral)
	if err != nil {
		return e.abort(ctx, res, userID, plan.Market, -1, err)
	}
	e.record(ctx, alerts.Event{
		Type:   alerts.EventPositionOpened,
		UserID: userID,
		Market: plan.Market.Key(),
		Time:   time.Now().UTC(),
		Details: map[string]string{
			"initial_collateral": plan.InitialCollateral.String(),
			"target_leverage":    fmt.Sprintf("%.4f", plan.TargetLeverage),
			"tx":                 conf.TxHash,
		},
	})

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			res = e.abort(ctx, res, userID, plan.Market, step.Index, err)
			res.Position = pos
			return res
		}
		stepRes := StepResult{Index: step.Index, Kind: KindLoop, Amount: step.BorrowAmount.String()}

		borrow := Instruction{
			PlanID:   res.PlanID,
			Sequence: sequence,
			Kind:     KindBorrow,
			UserID:   userID,
			Market:   plan.Market,
			Amount:   step.BorrowAmount,
		}
		conf, err := e.submit(ctx, borrow)
		if err != nil {
			e.metrics.StepsFailed.Inc()
			stepRes.Err = err
			stepRes.ErrText = err.Error()
			res.Steps = append(res.Steps, stepRes)
			res = e.abort(ctx, res, userID, plan.Market, step.Index, err)
			res.Position = pos
			return res
		}
		sequence++
		stepRes.TxRefs = append(stepRes.TxRefs, conf.TxHash)

		resupply := Instruction{
			PlanID:   res.PlanID,
			Sequence: sequence,
			Kind:     KindSupply,
			UserID:   userID,
			Market:   plan.Market,
			Amount:   step.BorrowAmount,
		}
		conf, err = e.submit(ctx, resupply)
		if err != nil {
			e.metrics.StepsFailed.Inc()
			stepRes.Err = err
			stepRes.ErrText = err.Error()
			res.Steps = append(res.Steps, stepRes)
			res = e.abort(ctx, res, userID, plan.Market, step.Index, err)
			res.Position = pos
			return res
		}
		sequence++
		stepRes.TxRefs = append(stepRes.TxRefs, conf.TxHash)
		stepRes.Success = true

		pos, err = e.positions.ApplyStep(ctx, userID, plan.Market, step.ResultingCollateral, step.ResultingDebt)
		if err != nil {
			stepRes.Success = false
			stepRes.Err = err
			stepRes.ErrText = err.Error()
			res.Steps = append(res.Steps, stepRes)
			res = e.abort(ctx, res, userID, plan.Market, step.Index, err)
			return res
		}
		e.metrics.StepsConfirmed.Inc()
		res.Steps = append(res.Steps, stepRes)
	}

	res.Position = pos
	res.Completed = true
	e.metrics.PlansCompleted.Inc()
	e.record(ctx, alerts.Event{
		Type:   alerts.EventPlanCompleted,
		UserID: userID,
		Market: plan.Market.Key(),
		Time:   time.Now().UTC(),
		Details: map[string]string{
			"steps":           strconv.Itoa(len(plan.Steps)),
			"actual_leverage": fmt.Sprintf("%.4f", plan.ActualLeverage),
		},
	})
	return res
}

// ExecuteDeleverage runs a withdraw-then-repay pair. The withdraw must be
// confirmed before the repay is submitted.
func (e *Engine) ExecuteDeleverage(ctx context.Context, userID string, plan planner.DeleveragePlan) ExecutionResult {
	res := ExecutionResult{PlanID: deleveragePlanID(userID, plan)}
	if e.signer == nil {
		res.Err = ErrSignerUnavailable
		e.recordDeleverageFailure(ctx, userID, plan.Market, ErrSignerUnavailable)
		return res
	}
	pos, ok := e.positions.Get(userID, plan.Market)
	if !ok {
		res.Err = fmt.Errorf("%w: %s in %s", ledger.ErrPositionNotFound, userID, plan.Market.Key())
		return res
	}
	res.Position = pos
	if plan.NoOp() {
		res.Completed = true
		return res
	}
	// Already at or below the target debt: nothing to unwind. Guards against
	// applying the same plan to the ledger twice.
	if plan.TargetDebt != nil && pos.CurrentDebt.Cmp(plan.TargetDebt) <= 0 {
		res.Completed = true
		return res
	}

	withdraw := Instruction{
		PlanID:   res.PlanID,
		Sequence: 0,
		Kind:     KindWithdraw,
		UserID:   userID,
		Market:   plan.Market,
		Amount:   plan.WithdrawAmount,
	}
	conf, err := e.submit(ctx, withdraw)
	if err != nil {
		e.metrics.StepsFailed.Inc()
		res.Steps = append(res.Steps, StepResult{Index: 0, Kind: KindWithdraw, Amount: plan.WithdrawAmount.String(), Err: err, ErrText: err.Error()})
		res.Err = err
		e.recordDeleverageFailure(ctx, userID, plan.Market, err)
		return res
	}
	pos, err = e.positions.ApplyWithdraw(ctx, userID, plan.Market, plan.WithdrawAmount)
	if err != nil {
		res.Err = err
		return res
	}
	res.Position = pos
	res.Steps = append(res.Steps, StepResult{Index: 0, Kind: KindWithdraw, Amount: plan.WithdrawAmount.String(), Success: true, TxRefs: []string{conf.TxHash}})
	e.metrics.StepsConfirmed.Inc()

	repay := Instruction{
		PlanID:   res.PlanID,
		Sequence: 1,
		Kind:     KindRepay,
		UserID:   userID,
		Market:   plan.Market,
		Amount:   plan.RepayAmount,
	}
	conf, err = e.submit(ctx, repay)
	if err != nil {
		e.metrics.StepsFailed.Inc()
		res.Steps = append(res.Steps, StepResult{Index: 1, Kind: KindRepay, Amount: plan.RepayAmount.String(), Err: err, ErrText: err.Error()})
		res.Err = err
		e.recordDeleverageFailure(ctx, userID, plan.Market, err)
		return res
	}
	pos, err = e.positions.ApplyRepay(ctx, userID, plan.Market, plan.RepayAmount)
	if err != nil {
		res.Err = err
		return res
	}
	res.Position = pos
	res.Steps = append(res.Steps, StepResult{Index: 1, Kind: KindRepay, Amount: plan.RepayAmount.String(), Success: true, TxRefs: []string{conf.TxHash}})
	res.Completed = true
	e.metrics.StepsConfirmed.Inc()

	e.record(ctx, alerts.Event{
		Type:   alerts.EventDeleverageRun,
		UserID: userID,
		Market: plan.Market.Key(),
		Time:   time.Now().UTC(),
		Details: map[string]string{
			"repay_amount":    plan.RepayAmount.String(),
			"target_leverage": fmt.Sprintf("%.4f", plan.TargetLeverage),
		},
	})
	if pos.Closed {
		e.record(ctx, alerts.Event{
			Type:   alerts.EventPositionClosed,
			UserID: userID,
			Market: plan.Market.Key(),
			Time:   time.Now().UTC(),
		})
	}
	return res
}

// submit sends one instruction through the signer with a bounded confirmation
// wait. Confirmed instructions are journaled by reference, so a resubmission
// of the same plan sequence resolves without hitting the chain again.
func (e *Engine) submit(ctx context.Context, instr Instruction) (Confirmation, error) {
	ref, err := instr.Ref()
	if err != nil {
		return Confirmation{}, err
	}
	journalKey := journalKeyPrefix + ref
	if e.journal != nil {
		if txHash, ok, err := e.journal.Get(ctx, journalKey); err == nil && ok {
			return Confirmation{TxHash: txHash}, nil
		}
	}

	ictx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	conf, err := e.signer.Submit(ictx, instr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Confirmation{}, fmt.Errorf("%w: %s %s after %s", ErrTimeout, instr.Kind, instr.Amount, e.confirmTimeout)
		}
		return Confirmation{}, err
	}
	if e.journal != nil {
		if err := e.journal.Set(ctx, journalKey, conf.TxHash); err != nil {
			e.log.Warn("journal write failed", zap.String("ref", ref), zap.Error(err))
		}
	}
	return conf, nil
}

func (e *Engine) abort(ctx context.Context, res ExecutionResult, userID string, market lending.CollateralMarket, stepIndex int, cause error) ExecutionResult {
	res.Err = cause
	res.Completed = false
	e.metrics.PlansAborted.Inc()
	e.log.Warn("plan aborted",
		zap.String("user", userID),
		zap.String("market", market.Key()),
		zap.Int("step", stepIndex),
		zap.Error(cause),
	)
	e.record(ctx, alerts.Event{
		Type:   alerts.EventPlanAborted,
		UserID: userID,
		Market: market.Key(),
		Time:   time.Now().UTC(),
		Details: map[string]string{
			"step":  strconv.Itoa(stepIndex),
			"cause": cause.Error(),
		},
	})
	return res
}

func (e *Engine) recordDeleverageFailure(ctx context.Context, userID string, market lending.CollateralMarket, cause error) {
	e.record(ctx, alerts.Event{
		Type:    alerts.EventDeleverageFailed,
		UserID:  userID,
		Market:  market.Key(),
		Time:    time.Now().UTC(),
		Details: map[string]string{"cause": cause.Error()},
	})
}

// record is fire-and-forget: sink failures are logged, never surfaced.
func (e *Engine) record(ctx context.Context, event alerts.Event) {
	if err := e.audit.Record(ctx, event); err != nil {
		e.log.Warn("audit record failed", zap.String("event", event.Type), zap.Error(err))
	}
}

// Plan ids are derived from the plan's content and user, not from the clock:
// a crash-and-rerun of the same plan produces identical instruction refs, so
// already confirmed instructions resolve from the journal instead of hitting
// the chain again. The time-based id is only the fallback for unencodable
// input.

func loopPlanID(userID string, plan planner.LoopPlan) string {
	return contentPlanID("loop", userID, plan.Market.Key(),
		amountString(plan.InitialCollateral), formatRatio(plan.TargetLeverage))
}

func deleveragePlanID(userID string, plan planner.DeleveragePlan) string {
	return contentPlanID("deleverage", userID, plan.Market.Key(),
		amountString(plan.WithdrawAmount), amountString(plan.RepayAmount), formatRatio(plan.TargetLeverage))
}

func contentPlanID(parts ...string) string {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, part := range parts {
		if err := enc.EncodeString(part); err != nil {
			return newPlanID()
		}
	}
	return hexutil.Encode(crypto.Keccak256(buf.Bytes()))
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func formatRatio(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func newPlanID() string {
	return strconv.FormatInt(time.Now().UTC().UnixNano(), 16)
}
