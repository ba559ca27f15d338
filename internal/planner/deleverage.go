package planner

import (
	"fmt"
	"math/big"

	"loop-agent/internal/lending"
)

// PlanDeleverage computes the repay needed to bring a position down to
// targetLeverage. The target debt is derived from the position's original
// initial collateral, not its current collateral:
//
//	targetDebt = initialCollateral * (targetLeverage - 1)
//	repay      = max(0, currentDebt - targetDebt)
//
// The resulting plan withdraws repay worth of collateral first and repays the
// same amount afterwards; the engine must confirm the withdraw before
// submitting the repay.
func PlanDeleverage(market lending.CollateralMarket, initialCollateral, currentDebt *big.Int, targetLeverage float64) (DeleveragePlan, error) {
	if err := market.Validate(); err != nil {
		return DeleveragePlan{}, err
	}
	if initialCollateral == nil || initialCollateral.Sign() <= 0 {
		return DeleveragePlan{}, fmt.Errorf("%w: initial collateral must be positive", ErrInvalidInput)
	}
	if currentDebt == nil || currentDebt.Sign() < 0 {
		return DeleveragePlan{}, fmt.Errorf("%w: current debt must be non-negative", ErrInvalidInput)
	}
	if targetLeverage < 1.0 {
		return DeleveragePlan{}, fmt.Errorf("%w: target leverage %.4f must be >= 1", ErrInvalidInput, targetLeverage)
	}

	targetDebt := floorMul(initialCollateral, targetLeverage-1)
	repay := new(big.Int).Sub(currentDebt, targetDebt)
	if repay.Sign() < 0 {
		repay = big.NewInt(0)
	}
	return DeleveragePlan{
		Market:         market,
		TargetLeverage: targetLeverage,
		TargetDebt:     targetDebt,
		RepayAmount:    repay,
		WithdrawAmount: new(big.Int).Set(repay),
	}, nil
}
