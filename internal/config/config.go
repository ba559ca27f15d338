package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"loop-agent/internal/lending"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Chain     ChainConfig     `yaml:"chain"`
	State     StateConfig     `yaml:"state"`
	Markets   []MarketConfig  `yaml:"markets"`
	Planner   PlannerConfig   `yaml:"planner"`
	Execution ExecutionConfig `yaml:"execution"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	History   HistoryConfig   `yaml:"history"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	WSURL          string        `yaml:"ws_url"`
	PoolAddress    string        `yaml:"pool_address"`
	ChainID        int64         `yaml:"chain_id"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MarketConfig is one lending market the agent may loop in. LTV fractions
// mirror the protocol's published parameters; the safety margin and leverage
// cap are operator policy, not protocol values.
type MarketConfig struct {
	LoanToken              string  `yaml:"loan_token"`
	CollateralToken        string  `yaml:"collateral_token"`
	LoanTokenAddress       string  `yaml:"loan_token_address"`
	CollateralTokenAddress string  `yaml:"collateral_token_address"`
	MaxLTV                 float64 `yaml:"max_ltv"`
	LiquidationThreshold   float64 `yaml:"liquidation_threshold"`
	SafetyMargin           float64 `yaml:"safety_margin"`
	LeverageCap            float64 `yaml:"leverage_cap"`
}

// Market converts the config entry into the planner's market value object.
func (m MarketConfig) Market() lending.CollateralMarket {
	return lending.CollateralMarket{
		LoanToken:            m.LoanToken,
		CollateralToken:      m.CollateralToken,
		MaxLTV:               m.MaxLTV,
		LiquidationThreshold: m.LiquidationThreshold,
		SafetyMargin:         m.SafetyMargin,
	}
}

type PlannerConfig struct {
	MaxIterations      int     `yaml:"max_iterations"`
	DefaultLeverageCap float64 `yaml:"default_leverage_cap"`
}

type ExecutionConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	WarningThreshold  float64       `yaml:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Schema  string `yaml:"schema"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.ReconnectDelay == 0 {
		cfg.Chain.ReconnectDelay = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/loop-agent.db"
	}
	if cfg.Planner.MaxIterations == 0 {
		cfg.Planner.MaxIterations = 10
	}
	if cfg.Planner.DefaultLeverageCap == 0 {
		cfg.Planner.DefaultLeverageCap = 3.0
	}
	if cfg.Execution.ConfirmTimeout == 0 {
		cfg.Execution.ConfirmTimeout = 120 * time.Second
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 60 * time.Second
	}
	if cfg.Monitor.WarningThreshold == 0 {
		cfg.Monitor.WarningThreshold = 1.5
	}
	if cfg.Monitor.CriticalThreshold == 0 {
		cfg.Monitor.CriticalThreshold = 1.2
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	for i := range cfg.Markets {
		if cfg.Markets[i].LeverageCap == 0 {
			cfg.Markets[i].LeverageCap = cfg.Planner.DefaultLeverageCap
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if len(cfg.Markets) == 0 {
		return errors.New("at least one market is required")
	}
	for _, market := range cfg.Markets {
		if err := market.Market().Validate(); err != nil {
			return fmt.Errorf("market %s/%s: %w", market.CollateralToken, market.LoanToken, err)
		}
		if market.LeverageCap < 1 {
			return fmt.Errorf("market %s/%s: leverage_cap must be >= 1", market.CollateralToken, market.LoanToken)
		}
	}
	if cfg.Monitor.CriticalThreshold >= cfg.Monitor.WarningThreshold {
		return errors.New("monitor.critical_threshold must be below monitor.warning_threshold")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	return nil
}

// FindMarket returns the configured market for a collateral/loan token pair.
func (c *Config) FindMarket(collateralToken, loanToken string) (MarketConfig, bool) {
	for _, market := range c.Markets {
		if market.CollateralToken == collateralToken && market.LoanToken == loanToken {
			return market, true
		}
	}
	return MarketConfig{}, false
}
