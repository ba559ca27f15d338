package ledger

import (
	"math"
	"math/big"
	"time"

	"loop-agent/internal/lending"
)

// Position is one user's open leveraged position in one market. The ledger is
// its sole owner; everything handed out of the ledger is a deep copy.
type Position struct {
	UserID            string                   `json:"user_id"`
	Market            lending.CollateralMarket `json:"market"`
	InitialCollateral *big.Int                 `json:"initial_collateral"`
	CurrentCollateral *big.Int                 `json:"current_collateral"`
	CurrentDebt       *big.Int                 `json:"current_debt"`
	LoopCount         int                      `json:"loop_count"`
	Closed            bool                     `json:"closed"`
	CreatedAt         time.Time                `json:"created_at"`
	LastUpdated       time.Time                `json:"last_updated"`
}

// Leverage is current collateral over the position's original collateral.
func (p Position) Leverage() float64 {
	if p.InitialCollateral == nil || p.InitialCollateral.Sign() == 0 {
		return 0
	}
	quot := new(big.Float).Quo(new(big.Float).SetInt(p.CurrentCollateral), new(big.Float).SetInt(p.InitialCollateral))
	out, _ := quot.Float64()
	return out
}

// HealthFactor is (collateral * liquidation threshold) / debt. A debt-free
// position reports +Inf.
func (p Position) HealthFactor() float64 {
	if p.CurrentDebt == nil || p.CurrentDebt.Sign() == 0 {
		return math.Inf(1)
	}
	weighted := new(big.Float).Mul(new(big.Float).SetInt(p.CurrentCollateral), big.NewFloat(p.Market.LiquidationThreshold))
	quot := new(big.Float).Quo(weighted, new(big.Float).SetInt(p.CurrentDebt))
	out, _ := quot.Float64()
	return out
}

func (p Position) clone() Position {
	out := p
	out.InitialCollateral = cloneInt(p.InitialCollateral)
	out.CurrentCollateral = cloneInt(p.CurrentCollateral)
	out.CurrentDebt = cloneInt(p.CurrentDebt)
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
