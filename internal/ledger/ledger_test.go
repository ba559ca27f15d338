package ledger

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"

	"loop-agent/internal/lending"

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

func testMarket() lending.CollateralMarket {
	return lending.CollateralMarket{
		LoanToken:            "USDC",
		CollateralToken:      "wstETH",
		MaxLTV:               0.80,
		LiquidationThreshold: 0.83,
		SafetyMargin:         0.10,
	}
}

func TestOpenAndApplyStep(t *testing.T) {
	ctx := context.Background()
	ledger := New(nil, zap.NewNop())

	pos, err := ledger.Open(ctx, "alice", testMarket(), big.NewInt(1000))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if pos.CurrentDebt.Sign() != 0 || pos.LoopCount != 0 {
		t.Fatalf("fresh position should carry no debt and no loops")
	}

	pos, err = ledger.ApplyStep(ctx, "alice", testMarket(), big.NewInt(1730), big.NewInt(730))
	if err != nil {
		t.Fatalf("apply step failed: %v", err)
	}
	if pos.LoopCount != 1 {
		t.Fatalf("expected loop count 1, got %d", pos.LoopCount)
	}
	if pos.CurrentCollateral.Cmp(big.NewInt(1730)) != 0 {
		t.Fatalf("unexpected collateral %s", pos.CurrentCollateral)
	}
}

func TestOpenRejectsDoubleOpen(t *testing.T) {
	ctx := context.Background()
	ledger := New(nil, zap.NewNop())
	if _, err := ledger.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := ledger.Open(ctx, "alice", testMarket(), big.NewInt(500)); err == nil {
		t.Fatal("expected second open to fail")
	}
}

func TestApplyStepUnknownPosition(t *testing.T) {
	ledger := New(nil, zap.NewNop())
	_, err := ledger.ApplyStep(context.Background(), "ghost", testMarket(), big.NewInt(1), big.NewInt(0))
	if !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestApplyRepayClosesAtZeroDebt(t *testing.T) {
	ctx := context.Background()
	ledger := New(nil, zap.NewNop())
	if _, err := ledger.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := ledger.ApplyStep(ctx, "alice", testMarket(), big.NewInt(1730), big.NewInt(730)); err != nil {
		t.Fatalf("apply step failed: %v", err)
	}
	if _, err := ledger.ApplyWithdraw(ctx, "alice", testMarket(), big.NewInt(730)); err != nil {
		t.Fatalf("apply withdraw failed: %v", err)
	}
	pos, err := ledger.ApplyRepay(ctx, "alice", testMarket(), big.NewInt(730))
	if err != nil {
		t.Fatalf("apply repay failed: %v", err)
	}
	if pos.CurrentCollateral.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected collateral back to 1000, got %s", pos.CurrentCollateral)
	}
	if !pos.Closed {
		t.Fatal("expected position closed at zero debt")
	}
	if len(ledger.OpenPositions()) != 0 {
		t.Fatal("closed position must not appear in open set")
	}
	if _, err := ledger.ApplyStep(ctx, "alice", testMarket(), big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrPositionClosed) {
		t.Fatalf("expected ErrPositionClosed, got %v", err)
	}
}

func TestHealthFactor(t *testing.T) {
	pos := Position{
		Market:            testMarket(),
		InitialCollateral: big.NewInt(1000),
		CurrentCollateral: big.NewInt(4300),
		CurrentDebt:       big.NewInt(3300),
	}
	want := 4300.0 * 0.83 / 3300.0
	if got := pos.HealthFactor(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected health %f, got %f", want, got)
	}
	pos.CurrentDebt = big.NewInt(0)
	if !math.IsInf(pos.HealthFactor(), 1) {
		t.Fatal("expected +Inf health with zero debt")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	ledger := New(store, zap.NewNop())
	if _, err := ledger.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := ledger.ApplyStep(ctx, "alice", testMarket(), big.NewInt(1730), big.NewInt(730)); err != nil {
		t.Fatalf("apply step failed: %v", err)
	}

	restored := New(store, zap.NewNop())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	pos, ok := restored.Get("alice", testMarket())
	if !ok {
		t.Fatal("expected restored position")
	}
	if pos.CurrentDebt.Cmp(big.NewInt(730)) != 0 || pos.LoopCount != 1 {
		t.Fatalf("restored position mismatch: debt=%s loops=%d", pos.CurrentDebt, pos.LoopCount)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	ledger := New(nil, zap.NewNop())
	if _, err := ledger.Open(ctx, "alice", testMarket(), big.NewInt(1000)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	pos, _ := ledger.Get("alice", testMarket())
	pos.CurrentCollateral.SetInt64(999999)
	fresh, _ := ledger.Get("alice", testMarket())
	if fresh.CurrentCollateral.Cmp(big.NewInt(1000)) != 0 {
		t.Fatal("ledger state mutated through a returned copy")
	}
}
