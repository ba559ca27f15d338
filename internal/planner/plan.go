package planner

import (
	"math/big"

	"loop-agent/internal/lending"
)

// LoopStep is one supply/borrow round of a leverage loop. Amounts are in the
// token's smallest unit.
type LoopStep struct {
	Index               int      `json:"index"`
	BorrowAmount        *big.Int `json:"borrow_amount"`
	ResultingCollateral *big.Int `json:"resulting_collateral"`
	ResultingDebt       *big.Int `json:"resulting_debt"`
	ProjectedLeverage   float64  `json:"projected_leverage"`
	ProjectedLTV        float64  `json:"projected_ltv"`
}

// LoopPlan is the full borrow sequence for one leveraged position. An empty
// Steps slice is a valid plan: the target is already met or cannot be
// approached safely.
type LoopPlan struct {
	Market            lending.CollateralMarket `json:"market"`
	InitialCollateral *big.Int                 `json:"initial_collateral"`
	TargetLeverage    float64                  `json:"target_leverage"`
	ActualLeverage    float64                  `json:"actual_leverage"`
	Steps             []LoopStep               `json:"steps"`
}

// FinalCollateral returns the cumulative collateral after the last step, or
// the initial collateral for an empty plan.
func (p LoopPlan) FinalCollateral() *big.Int {
	if len(p.Steps) == 0 {
		return new(big.Int).Set(p.InitialCollateral)
	}
	return new(big.Int).Set(p.Steps[len(p.Steps)-1].ResultingCollateral)
}

// FinalDebt returns the cumulative debt after the last step.
func (p LoopPlan) FinalDebt() *big.Int {
	if len(p.Steps) == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Set(p.Steps[len(p.Steps)-1].ResultingDebt)
}

// DeleveragePlan describes the withdraw-then-repay pair needed to bring a
// position back to TargetLeverage. RepayAmount of zero means no action.
type DeleveragePlan struct {
	Market         lending.CollateralMarket `json:"market"`
	TargetLeverage float64                  `json:"target_leverage"`
	TargetDebt     *big.Int                 `json:"target_debt"`
	RepayAmount    *big.Int                 `json:"repay_amount"`
	WithdrawAmount *big.Int                 `json:"withdraw_amount"`
}

func (p DeleveragePlan) NoOp() bool {
	return p.RepayAmount == nil || p.RepayAmount.Sign() == 0
}
