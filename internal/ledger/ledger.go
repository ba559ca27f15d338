package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"loop-agent/internal/lending"
	"loop-agent/internal/state"

	"go.uber.org/zap"
)

const positionKeyPrefix = "position:"

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position is closed")
)

// Ledger tracks every open leveraged position. All writes go through the
// ledger mutex, which serializes mutations per (user, market) key; reads hand
// out copies so callers can never alias ledger-owned state. When a store is
// configured every mutation is snapshotted through it, and Restore rebuilds
// the in-memory set after a restart.
type Ledger struct {
	store state.Store
	log   *zap.Logger

	mu        sync.RWMutex
	positions map[string]*Position
}

func New(store state.Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:     store,
		log:       log,
		positions: make(map[string]*Position),
	}
}

func positionKey(userID string, market lending.CollateralMarket) string {
	return positionKeyPrefix + userID + ":" + market.Key()
}

// Open creates the position for (userID, market) on the first confirmed
// supply. Reopening an existing open position is an error; a closed one is
// replaced.
func (l *Ledger) Open(ctx context.Context, userID string, market lending.CollateralMarket, initialCollateral *big.Int) (Position, error) {
	if userID == "" {
		return Position{}, errors.New("user id is required")
	}
	if initialCollateral == nil || initialCollateral.Sign() <= 0 {
		return Position{}, errors.New("initial collateral must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := positionKey(userID, market)
	if existing, ok := l.positions[key]; ok && !existing.Closed {
		return Position{}, fmt.Errorf("position already open for %s in %s", userID, market.Key())
	}
	now := time.Now().UTC()
	pos := &Position{
		UserID:            userID,
		Market:            market,
		InitialCollateral: cloneInt(initialCollateral),
		CurrentCollateral: cloneInt(initialCollateral),
		CurrentDebt:       big.NewInt(0),
		CreatedAt:         now,
		LastUpdated:       now,
	}
	l.positions[key] = pos
	l.persist(ctx, key, pos)
	return pos.clone(), nil
}

// ApplyStep records the confirmed cumulative totals of one executed loop step.
func (l *Ledger) ApplyStep(ctx context.Context, userID string, market lending.CollateralMarket, collateral, debt *big.Int) (Position, error) {
	return l.mutate(ctx, userID, market, func(pos *Position) {
		pos.CurrentCollateral = cloneInt(collateral)
		pos.CurrentDebt = cloneInt(debt)
		pos.LoopCount++
	})
}

// ApplyWithdraw records a confirmed collateral withdrawal.
func (l *Ledger) ApplyWithdraw(ctx context.Context, userID string, market lending.CollateralMarket, withdrawn *big.Int) (Position, error) {
	return l.mutate(ctx, userID, market, func(pos *Position) {
		pos.CurrentCollateral = new(big.Int).Sub(pos.CurrentCollateral, withdrawn)
		if pos.CurrentCollateral.Sign() < 0 {
			pos.CurrentCollateral = big.NewInt(0)
		}
	})
}

// ApplyRepay records a confirmed debt repayment. Debt reaching zero closes
// the position.
func (l *Ledger) ApplyRepay(ctx context.Context, userID string, market lending.CollateralMarket, repaid *big.Int) (Position, error) {
	return l.mutate(ctx, userID, market, func(pos *Position) {
		pos.CurrentDebt = new(big.Int).Sub(pos.CurrentDebt, repaid)
		if pos.CurrentDebt.Sign() < 0 {
			pos.CurrentDebt = big.NewInt(0)
		}
		if pos.CurrentDebt.Sign() == 0 {
			pos.Closed = true
		}
	})
}

func (l *Ledger) mutate(ctx context.Context, userID string, market lending.CollateralMarket, fn func(*Position)) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := positionKey(userID, market)
	pos, ok := l.positions[key]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s in %s", ErrPositionNotFound, userID, market.Key())
	}
	if pos.Closed {
		return Position{}, fmt.Errorf("%w: %s in %s", ErrPositionClosed, userID, market.Key())
	}
	fn(pos)
	pos.LastUpdated = time.Now().UTC()
	l.persist(ctx, key, pos)
	return pos.clone(), nil
}

// Get returns a copy of the position, open or closed.
func (l *Ledger) Get(userID string, market lending.CollateralMarket) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[positionKey(userID, market)]
	if !ok {
		return Position{}, false
	}
	return pos.clone(), true
}

// Open positions in deterministic order, for the monitor's polling cycle.
func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.positions))
	for key, pos := range l.positions {
		if !pos.Closed {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]Position, 0, len(keys))
	for _, key := range keys {
		out = append(out, l.positions[key].clone())
	}
	return out
}

// Restore reloads every persisted position snapshot into memory.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	raw, err := l.store.List(ctx, positionKeyPrefix)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, payload := range raw {
		var pos Position
		if err := json.Unmarshal([]byte(payload), &pos); err != nil {
			l.log.Warn("skipping corrupt position snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		if !strings.HasPrefix(key, positionKeyPrefix) {
			continue
		}
		l.positions[key] = &pos
	}
	return nil
}

func (l *Ledger) persist(ctx context.Context, key string, pos *Position) {
	if l.store == nil {
		return
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		l.log.Warn("position snapshot encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := l.store.Set(ctx, key, string(payload)); err != nil {
		l.log.Warn("position snapshot persist failed", zap.String("key", key), zap.Error(err))
	}
}
