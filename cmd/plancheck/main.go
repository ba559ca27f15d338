package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"loop-agent/internal/config"
	"loop-agent/internal/planner"
)

// plancheck computes a leverage loop plan from the config without touching
// the chain. It is the dry-run companion to the agent: same planner, same
// market parameters, no signer.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	marketFlag := flag.String("market", "", "market as COLLATERAL/LOAN, e.g. wstETH/USDC")
	collateralFlag := flag.String("collateral", "", "initial collateral in smallest units")
	leverage := flag.Float64("leverage", 0, "target leverage")
	asJSON := flag.Bool("json", false, "print the plan as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	collateralToken, loanToken, err := splitMarket(*marketFlag)
	if err != nil {
		fatal(err)
	}
	marketCfg, ok := cfg.FindMarket(collateralToken, loanToken)
	if !ok {
		fatal(fmt.Errorf("market %s/%s is not configured", collateralToken, loanToken))
	}

	collateral, ok := new(big.Int).SetString(strings.TrimSpace(*collateralFlag), 10)
	if !ok {
		fatal(errors.New("-collateral must be a base-10 integer"))
	}

	plan, err := planner.PlanLeverage(marketCfg.Market(), collateral, *leverage, planner.Options{
		MaxIterations: cfg.Planner.MaxIterations,
		LeverageCap:   marketCfg.LeverageCap,
	})
	if err != nil {
		fatal(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			fatal(err)
		}
		return
	}

	market := marketCfg.Market()
	fmt.Printf("market            %s\n", market.Key())
	fmt.Printf("max safe ltv      %.4f\n", market.MaxSafeLTV())
	fmt.Printf("target leverage   %.4f\n", plan.TargetLeverage)
	fmt.Printf("actual leverage   %.4f\n", plan.ActualLeverage)
	fmt.Printf("initial collateral %s\n", plan.InitialCollateral)
	fmt.Printf("steps             %d\n", len(plan.Steps))
	for _, step := range plan.Steps {
		fmt.Printf("  step %d: borrow %s -> collateral %s debt %s leverage %.4f ltv %.4f\n",
			step.Index, step.BorrowAmount, step.ResultingCollateral, step.ResultingDebt,
			step.ProjectedLeverage, step.ProjectedLTV)
	}
	fmt.Printf("final collateral  %s\n", plan.FinalCollateral())
	fmt.Printf("final debt        %s\n", plan.FinalDebt())
}

func splitMarket(value string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("-market must be COLLATERAL/LOAN")
	}
	return parts[0], parts[1], nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "plancheck: %v\n", err)
	os.Exit(1)
}
