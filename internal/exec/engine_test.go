package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"loop-agent/internal/ledger"
	"loop-agent/internal/lending"
	"loop-agent/internal/planner"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

// fakeSigner confirms every instruction unless failAt matches the submission
// count (1-based).
type fakeSigner struct {
	mu       sync.Mutex
	submits  []Instruction
	failAt   int
	failWith error
}

func (f *fakeSigner) Submit(ctx context.Context, instr Instruction) (Confirmation, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, instr)
	if f.failAt > 0 && len(f.submits) == f.failAt {
		return Confirmation{}, f.failWith
	}
	return Confirmation{TxHash: fmt.Sprintf("0x%04x", len(f.submits)), Block: uint64(len(f.submits))}, nil
}

func testMarket() lending.CollateralMarket {
	return lending.CollateralMarket{
		LoanToken:            "USDC",
		CollateralToken:      "wstETH",
		MaxLTV:               0.80,
		LiquidationThreshold: 0.83,
		SafetyMargin:         0.10,
	}
}

func testPlan(t *testing.T) planner.LoopPlan {
	t.Helper()
	plan, err := planner.PlanLeverage(testMarket(), big.NewInt(1000), 2.0, planner.Options{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.Steps) < 2 {
		t.Fatalf("expected a multi-step plan, got %d steps", len(plan.Steps))
	}
	return plan
}

func TestExecuteCompletesPlan(t *testing.T) {
	signer := &fakeSigner{}
	positions := ledger.New(nil, zap.NewNop())
	engine := New(signer, positions, newMemoryStore(), nil, nil, zap.NewNop())

	plan := testPlan(t)
	res := engine.Execute(context.Background(), plan, "alice")
	if !res.Completed {
		t.Fatalf("expected completed plan, got err %v", res.Err)
	}
	if len(res.Steps) != len(plan.Steps) {
		t.Fatalf("expected %d step results, got %d", len(plan.Steps), len(res.Steps))
	}
	for _, step := range res.Steps {
		if step.Kind != KindLoop {
			t.Fatalf("step %d kind = %s, want %s", step.Index, step.Kind, KindLoop)
		}
	}
	// initial supply + (borrow, supply) per step
	wantSubmits := 1 + 2*len(plan.Steps)
	if len(signer.submits) != wantSubmits {
		t.Fatalf("expected %d submissions, got %d", wantSubmits, len(signer.submits))
	}
	if signer.submits[0].Kind != KindSupply {
		t.Fatalf("first instruction must be the initial supply, got %s", signer.submits[0].Kind)
	}
	for i := 1; i < len(signer.submits); i += 2 {
		if signer.submits[i].Kind != KindBorrow || signer.submits[i+1].Kind != KindSupply {
			t.Fatalf("submission pair %d is not borrow/supply", i)
		}
	}
	pos := res.Position
	if pos.LoopCount != len(plan.Steps) {
		t.Fatalf("expected loop count %d, got %d", len(plan.Steps), pos.LoopCount)
	}
	if pos.CurrentCollateral.Cmp(plan.FinalCollateral()) != 0 {
		t.Fatalf("position collateral %s does not match plan %s", pos.CurrentCollateral, plan.FinalCollateral())
	}
}

func TestExecutePartialFailureKeepsConfirmedState(t *testing.T) {
	plan := testPlan(t)
	// Fail the borrow of step 2: submission 1 is the initial supply,
	// 2-3 are step 1's borrow/supply, 4 is step 2's borrow.
	signer := &fakeSigner{failAt: 4, failWith: ErrTransactionReverted}
	positions := ledger.New(nil, zap.NewNop())
	engine := New(signer, positions, newMemoryStore(), nil, nil, zap.NewNop())

	res := engine.Execute(context.Background(), plan, "alice")
	if res.Completed {
		t.Fatal("expected aborted plan")
	}
	if !errors.Is(res.Err, ErrTransactionReverted) {
		t.Fatalf("expected ErrTransactionReverted, got %v", res.Err)
	}
	pos, ok := positions.Get("alice", testMarket())
	if !ok {
		t.Fatal("expected position to survive the abort")
	}
	if pos.LoopCount != 1 {
		t.Fatalf("expected exactly step 1 confirmed, got loop count %d", pos.LoopCount)
	}
	if pos.CurrentCollateral.Cmp(plan.Steps[0].ResultingCollateral) != 0 {
		t.Fatalf("collateral %s must match step 1 result %s", pos.CurrentCollateral, plan.Steps[0].ResultingCollateral)
	}
	if pos.CurrentDebt.Cmp(plan.Steps[0].ResultingDebt) != 0 {
		t.Fatalf("debt %s must match step 1 result %s", pos.CurrentDebt, plan.Steps[0].ResultingDebt)
	}
}

func TestExecuteWithoutSignerIsHardError(t *testing.T) {
	positions := ledger.New(nil, zap.NewNop())
	engine := New(nil, positions, nil, nil, nil, zap.NewNop())
	res := engine.Execute(context.Background(), testPlan(t), "alice")
	if res.Completed {
		t.Fatal("expected failure without signer")
	}
	if !errors.Is(res.Err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable, got %v", res.Err)
	}
	if _, ok := positions.Get("alice", testMarket()); ok {
		t.Fatal("no position must be created without a signer")
	}
}

func TestExecuteFirstSupplyFailureLeavesNoPosition(t *testing.T) {
	signer := &fakeSigner{failAt: 1, failWith: ErrInsufficientBalance}
	positions := ledger.New(nil, zap.NewNop())
	engine := New(signer, positions, nil, nil, nil, zap.NewNop())

	res := engine.Execute(context.Background(), testPlan(t), "alice")
	if !errors.Is(res.Err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", res.Err)
	}
	if _, ok := positions.Get("alice", testMarket()); ok {
		t.Fatal("position must not exist after failed initial supply")
	}
}

func TestExecuteRejectsOpenPosition(t *testing.T) {
	signer := &fakeSigner{}
	positions := ledger.New(nil, zap.NewNop())
	engine := New(signer, positions, newMemoryStore(), nil, nil, zap.NewNop())

	plan := testPlan(t)
	first := engine.Execute(context.Background(), plan, "alice")
	if !first.Completed {
		t.Fatalf("first run failed: %v", first.Err)
	}
	submitted := len(signer.submits)
	before, ok := positions.Get("alice", testMarket())
	if !ok {
		t.Fatal("position missing after first run")
	}

	second := engine.Execute(context.Background(), plan, "alice")
	if second.Completed {
		t.Fatal("second run against an open position must not complete")
	}
	if !errors.Is(second.Err, ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", second.Err)
	}
	if len(signer.submits) != submitted {
		t.Fatalf("second run must not reach the chain: submissions went %d -> %d", submitted, len(signer.submits))
	}
	after, _ := positions.Get("alice", testMarket())
	if after.CurrentDebt.Cmp(before.CurrentDebt) != 0 || after.CurrentCollateral.Cmp(before.CurrentCollateral) != 0 {
		t.Fatalf("ledger state changed: debt %s -> %s, collateral %s -> %s",
			before.CurrentDebt, after.CurrentDebt, before.CurrentCollateral, after.CurrentCollateral)
	}
}

func TestExecuteResumesFromJournal(t *testing.T) {
	journal := newMemoryStore()
	plan := testPlan(t)

	firstSigner := &fakeSigner{}
	first := New(firstSigner, ledger.New(nil, zap.NewNop()), journal, nil, nil, zap.NewNop())
	if res := first.Execute(context.Background(), plan, "alice"); !res.Completed {
		t.Fatalf("first run failed: %v", res.Err)
	}

	// Same journal, empty ledger: a restart that kept the store but lost
	// the in-memory position state.
	secondSigner := &fakeSigner{}
	second := New(secondSigner, ledger.New(nil, zap.NewNop()), journal, nil, nil, zap.NewNop())
	res := second.Execute(context.Background(), plan, "alice")
	if !res.Completed {
		t.Fatalf("re-run failed: %v", res.Err)
	}
	if len(secondSigner.submits) != 0 {
		t.Fatalf("every instruction should resolve from the journal, got %d chain submissions", len(secondSigner.submits))
	}
	if res.Position.CurrentDebt.Cmp(plan.FinalDebt()) != 0 {
		t.Fatalf("rebuilt debt = %s, want %s", res.Position.CurrentDebt, plan.FinalDebt())
	}
	if res.Position.CurrentCollateral.Cmp(plan.FinalCollateral()) != 0 {
		t.Fatalf("rebuilt collateral = %s, want %s", res.Position.CurrentCollateral, plan.FinalCollateral())
	}
}

func TestPlanIDDerivesFromContent(t *testing.T) {
	plan := testPlan(t)
	if loopPlanID("alice", plan) != loopPlanID("alice", plan) {
		t.Fatal("identical plans must share a plan id")
	}
	if loopPlanID("alice", plan) == loopPlanID("bob", plan) {
		t.Fatal("plan ids must differ across users")
	}
	other, err := planner.PlanLeverage(testMarket(), big.NewInt(1000), 1.5, planner.Options{})
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if loopPlanID("alice", plan) == loopPlanID("alice", other) {
		t.Fatal("plan ids must differ across targets")
	}
}

func TestExecuteDeleverageOrdersWithdrawBeforeRepay(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{}
	positions := ledger.New(nil, zap.NewNop())
	if _, err := positions.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := positions.ApplyStep(ctx, "alice", testMarket(), big.NewInt(4300), big.NewInt(3300)); err != nil {
		t.Fatalf("apply step failed: %v", err)
	}
	plan, err := planner.PlanDeleverage(testMarket(), big.NewInt(1000), big.NewInt(3300), 1.5)
	if err != nil {
		t.Fatalf("deleverage plan failed: %v", err)
	}

	engine := New(signer, positions, newMemoryStore(), nil, nil, zap.NewNop())
	res := engine.ExecuteDeleverage(ctx, "alice", plan)
	if !res.Completed {
		t.Fatalf("expected completed deleverage, got err %v", res.Err)
	}
	if len(signer.submits) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(signer.submits))
	}
	if signer.submits[0].Kind != KindWithdraw || signer.submits[1].Kind != KindRepay {
		t.Fatalf("expected withdraw then repay, got %s then %s", signer.submits[0].Kind, signer.submits[1].Kind)
	}
	pos := res.Position
	if pos.CurrentDebt.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected debt 500 after repaying 2800, got %s", pos.CurrentDebt)
	}
	if pos.CurrentCollateral.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("expected collateral 1500 after withdrawing 2800, got %s", pos.CurrentCollateral)
	}
}

func TestExecuteDeleverageRepayFailureKeepsWithdraw(t *testing.T) {
	ctx := context.Background()
	signer := &fakeSigner{failAt: 2, failWith: ErrTransactionReverted}
	positions := ledger.New(nil, zap.NewNop())
	if _, err := positions.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := positions.ApplyStep(ctx, "alice", testMarket(), big.NewInt(4300), big.NewInt(3300)); err != nil {
		t.Fatalf("apply step failed: %v", err)
	}
	plan, err := planner.PlanDeleverage(testMarket(), big.NewInt(1000), big.NewInt(3300), 1.5)
	if err != nil {
		t.Fatalf("deleverage plan failed: %v", err)
	}

	engine := New(signer, positions, nil, nil, nil, zap.NewNop())
	res := engine.ExecuteDeleverage(ctx, "alice", plan)
	if res.Completed {
		t.Fatal("expected failed deleverage")
	}
	pos, _ := positions.Get("alice", testMarket())
	if pos.CurrentCollateral.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("confirmed withdraw must be kept, collateral %s", pos.CurrentCollateral)
	}
	if pos.CurrentDebt.Cmp(big.NewInt(3300)) != 0 {
		t.Fatalf("failed repay must not change debt, got %s", pos.CurrentDebt)
	}
}

func TestExecuteDeleverageNoOpPlan(t *testing.T) {
	ctx := context.Background()
	positions := ledger.New(nil, zap.NewNop())
	if _, err := positions.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	signer := &fakeSigner{}
	engine := New(signer, positions, nil, nil, nil, zap.NewNop())
	plan, err := planner.PlanDeleverage(testMarket(), big.NewInt(1000), big.NewInt(0), 2.0)
	if err != nil {
		t.Fatalf("deleverage plan failed: %v", err)
	}
	res := engine.ExecuteDeleverage(ctx, "alice", plan)
	if !res.Completed || len(res.Steps) != 0 {
		t.Fatalf("expected clean no-op, got steps=%d err=%v", len(res.Steps), res.Err)
	}
	if len(signer.submits) != 0 {
		t.Fatalf("no-op plan must not submit, got %d", len(signer.submits))
	}
}

func TestSubmitJournalIdempotency(t *testing.T) {
	journal := newMemoryStore()
	signer := &fakeSigner{}
	positions := ledger.New(nil, zap.NewNop())
	engine := New(signer, positions, journal, nil, nil, zap.NewNop())

	instr := Instruction{
		PlanID:   "plan-1",
		Sequence: 0,
		Kind:     KindSupply,
		UserID:   "alice",
		Market:   testMarket(),
		Amount:   big.NewInt(1000),
	}
	first, err := engine.submit(context.Background(), instr)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := engine.submit(context.Background(), instr)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if first.TxHash != second.TxHash {
		t.Fatalf("expected journal hit to reuse tx hash, got %s and %s", first.TxHash, second.TxHash)
	}
	if len(signer.submits) != 1 {
		t.Fatalf("expected 1 chain submission, got %d", len(signer.submits))
	}
}

func TestInstructionRefIsStableAndUnique(t *testing.T) {
	base := Instruction{
		PlanID:   "plan-1",
		Sequence: 3,
		Kind:     KindBorrow,
		UserID:   "alice",
		Market:   testMarket(),
		Amount:   big.NewInt(730),
	}
	ref1, err := base.Ref()
	if err != nil {
		t.Fatalf("ref failed: %v", err)
	}
	ref2, err := base.Ref()
	if err != nil {
		t.Fatalf("ref failed: %v", err)
	}
	if ref1 != ref2 {
		t.Fatal("ref must be deterministic")
	}
	other := base
	other.Sequence = 4
	ref3, err := other.Ref()
	if err != nil {
		t.Fatalf("ref failed: %v", err)
	}
	if ref3 == ref1 {
		t.Fatal("distinct sequences must hash differently")
	}
}
