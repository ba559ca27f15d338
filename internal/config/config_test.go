package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
chain:
  rpc_url: "https://rpc.example.org"
markets:
  - loan_token: USDC
    collateral_token: wstETH
    max_ltv: 0.80
    liquidation_threshold: 0.83
    safety_margin: 0.10
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level info, got %s", cfg.Log.Level)
	}
	if cfg.Monitor.Interval != 60*time.Second {
		t.Fatalf("expected default monitor interval, got %s", cfg.Monitor.Interval)
	}
	if cfg.Monitor.WarningThreshold != 1.5 || cfg.Monitor.CriticalThreshold != 1.2 {
		t.Fatalf("unexpected default thresholds: %f / %f", cfg.Monitor.WarningThreshold, cfg.Monitor.CriticalThreshold)
	}
	if cfg.Markets[0].LeverageCap != 3.0 {
		t.Fatalf("expected market cap to default to planner cap, got %f", cfg.Markets[0].LeverageCap)
	}
	if cfg.Execution.ConfirmTimeout != 120*time.Second {
		t.Fatalf("expected default confirm timeout, got %s", cfg.Execution.ConfirmTimeout)
	}
}

func TestLoadRejectsMissingRPC(t *testing.T) {
	bad := `
markets:
  - loan_token: USDC
    collateral_token: wstETH
    max_ltv: 0.80
    liquidation_threshold: 0.83
    safety_margin: 0.10
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for missing chain.rpc_url")
	}
}

func TestLoadRejectsMalformedMarket(t *testing.T) {
	bad := `
chain:
  rpc_url: "https://rpc.example.org"
markets:
  - loan_token: USDC
    collateral_token: wstETH
    max_ltv: 0.90
    liquidation_threshold: 0.83
    safety_margin: 0.10
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for max_ltv above liquidation_threshold")
	}
}

func TestLoadRejectsInvertedMonitorThresholds(t *testing.T) {
	bad := minimalConfig + `
monitor:
  warning_threshold: 1.1
  critical_threshold: 1.4
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for critical >= warning")
	}
}

func TestLoadRejectsHistoryWithoutDSN(t *testing.T) {
	bad := minimalConfig + `
history:
  enabled: true
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected error for enabled history without dsn")
	}
}

func TestFindMarket(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, ok := cfg.FindMarket("wstETH", "USDC"); !ok {
		t.Fatal("expected configured market to be found")
	}
	if _, ok := cfg.FindMarket("wstETH", "DAI"); ok {
		t.Fatal("did not expect unknown market")
	}
}

func TestMarketConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	market := cfg.Markets[0].Market()
	if err := market.Validate(); err != nil {
		t.Fatalf("converted market invalid: %v", err)
	}
	if market.Key() != "wstETH/USDC" {
		t.Fatalf("unexpected market key %s", market.Key())
	}
}
