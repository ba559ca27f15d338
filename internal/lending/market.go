package lending

import (
	"errors"
	"fmt"
)

var ErrInvalidMarket = errors.New("invalid collateral market")

// CollateralMarket describes the borrow constraints of one lending market.
// Values are loaded from config or protocol metadata and never mutated.
type CollateralMarket struct {
	LoanToken            string  `yaml:"loan_token" json:"loan_token"`
	CollateralToken      string  `yaml:"collateral_token" json:"collateral_token"`
	MaxLTV               float64 `yaml:"max_ltv" json:"max_ltv"`
	LiquidationThreshold float64 `yaml:"liquidation_threshold" json:"liquidation_threshold"`
	SafetyMargin         float64 `yaml:"safety_margin" json:"safety_margin"`
}

// Key identifies the market within the ledger and audit trail.
func (m CollateralMarket) Key() string {
	return m.CollateralToken + "/" + m.LoanToken
}

func (m CollateralMarket) Validate() error {
	if m.LoanToken == "" || m.CollateralToken == "" {
		return fmt.Errorf("%w: loan and collateral tokens are required", ErrInvalidMarket)
	}
	if m.MaxLTV <= 0 || m.MaxLTV > m.LiquidationThreshold || m.LiquidationThreshold >= 1 {
		return fmt.Errorf("%w: require 0 < max_ltv <= liquidation_threshold < 1, got max_ltv=%.4f liquidation_threshold=%.4f",
			ErrInvalidMarket, m.MaxLTV, m.LiquidationThreshold)
	}
	if m.SafetyMargin < 0 {
		return fmt.Errorf("%w: safety_margin must be >= 0", ErrInvalidMarket)
	}
	if m.SafetyMargin >= m.LiquidationThreshold {
		return fmt.Errorf("%w: safety_margin %.4f must be below liquidation_threshold %.4f",
			ErrInvalidMarket, m.SafetyMargin, m.LiquidationThreshold)
	}
	return nil
}

// MaxSafeLTV is the highest LTV the planner will target: the liquidation
// threshold minus the configured margin, clamped to the protocol's max LTV.
func (m CollateralMarket) MaxSafeLTV() float64 {
	safe := m.LiquidationThreshold - m.SafetyMargin
	if safe < 0 {
		return 0
	}
	if safe > m.MaxLTV {
		return m.MaxLTV
	}
	return safe
}

// TheoreticalMaxLeverage is the geometric-series limit 1/(1-maxLTV) of an
// unbounded supply/borrow loop. Informational only; the planner caps below it.
func (m CollateralMarket) TheoreticalMaxLeverage() float64 {
	if m.MaxLTV >= 1 {
		return 0
	}
	return 1 / (1 - m.MaxLTV)
}
