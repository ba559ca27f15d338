package planner

import (
	"errors"
	"fmt"
	"math/big"

	"loop-agent/internal/lending"
)

var ErrInvalidInput = errors.New("invalid planner input")

const (
	defaultMaxIterations = 10
	defaultLeverageCap   = 3.0
	// Leverage within this distance of the target counts as reached.
	leverageTolerance = 1e-6
)

// Options bound a single plan computation. Zero values fall back to the
// defaults above.
type Options struct {
	// MaxIterations is the hard bound on loop rounds.
	MaxIterations int
	// LeverageCap is the configured ceiling on target leverage, independent
	// of the market's theoretical maximum.
	LeverageCap float64
	// DustThreshold is the smallest borrow worth a step, in smallest units.
	DustThreshold *big.Int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.LeverageCap < 1 {
		o.LeverageCap = defaultLeverageCap
	}
	if o.DustThreshold == nil || o.DustThreshold.Sign() <= 0 {
		o.DustThreshold = big.NewInt(1)
	}
	return o
}

// PlanLeverage derives the supply/borrow sequence that takes initialCollateral
// to targetLeverage without the cumulative debt ever exceeding the market's
// safe LTV. The computation is pure: no I/O, no randomness, deterministic for
// a given input.
func PlanLeverage(market lending.CollateralMarket, initialCollateral *big.Int, targetLeverage float64, opts Options) (LoopPlan, error) {
	if err := market.Validate(); err != nil {
		return LoopPlan{}, err
	}
	if initialCollateral == nil || initialCollateral.Sign() <= 0 {
		return LoopPlan{}, fmt.Errorf("%w: initial collateral must be positive", ErrInvalidInput)
	}
	opts = opts.withDefaults()

	if targetLeverage > opts.LeverageCap {
		targetLeverage = opts.LeverageCap
	}
	plan := LoopPlan{
		Market:            market,
		InitialCollateral: new(big.Int).Set(initialCollateral),
		TargetLeverage:    targetLeverage,
		ActualLeverage:    1.0,
	}
	if targetLeverage <= 1.0 {
		plan.TargetLeverage = 1.0
		return plan, nil
	}

	safeLTV := market.MaxSafeLTV()
	if safeLTV <= 0 {
		return plan, nil
	}

	// Collateral at which the target is met exactly; borrows are trimmed so
	// the cumulative collateral never passes this.
	targetCollateral := floorMul(initialCollateral, targetLeverage)
	collateral := new(big.Int).Set(initialCollateral)
	debt := big.NewInt(0)

	for step := 0; step < opts.MaxIterations; step++ {
		available := floorMul(collateral, safeLTV)
		available.Sub(available, debt)
		if available.Sign() <= 0 {
			break
		}
		tentative := new(big.Int).Add(collateral, available)
		if tentative.Cmp(targetCollateral) > 0 {
			available = new(big.Int).Sub(targetCollateral, collateral)
			if available.Cmp(opts.DustThreshold) < 0 {
				break
			}
		}
		collateral = new(big.Int).Add(collateral, available)
		debt = new(big.Int).Add(debt, available)
		plan.Steps = append(plan.Steps, LoopStep{
			Index:               step,
			BorrowAmount:        available,
			ResultingCollateral: new(big.Int).Set(collateral),
			ResultingDebt:       new(big.Int).Set(debt),
			ProjectedLeverage:   ratioOf(collateral, initialCollateral),
			ProjectedLTV:        ratioOf(debt, collateral),
		})
		if ratioOf(collateral, initialCollateral) >= targetLeverage-leverageTolerance {
			break
		}
	}

	plan.ActualLeverage = ratioOf(collateral, initialCollateral)
	return plan, nil
}
