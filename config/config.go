package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	APIConfig        APIConfig        `json:"api"`
	StoreConfig      StoreConfig      `json:"store"`
	ArchiveConfig    ArchiveConfig    `json:"archive"`
	MonitoringConfig MonitoringConfig `json:"monitoring"`
	FilterConfig     FilterConfig     `json:"filter"`
	RiskConfig       RiskConfig       `json:"risk"`
	TradingConfig    TradingConfig    `json:"trading"`
	LoggingConfig    LoggingConfig    `json:"logging"`
	SimulationConfig SimulationConfig `json:"simulation"`
	ServerConfig     ServerConfig     `json:"server"`
}

// APIConfig holds the event-stream / swap-service connection settings.
type APIConfig struct {
	ServerURL string `json:"server_url"`
	APIKey    string `json:"api_key"`
}

// StoreConfig holds the Redis connection for positions and the price cache.
type StoreConfig struct {
	URL      string `json:"url"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ArchiveConfig holds the optional Postgres connection for the closed-trade
// archive. Disabled when the URL is empty.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// MonitoringConfig selects which actors feed the mindmap stream.
type MonitoringConfig struct {
	Mode   string   `json:"mode"` // "all" or "subscribed"
	Actors []string `json:"actors"`
}

// FilterConfig holds the admission thresholds.
type FilterConfig struct {
	MinTradeVolume     float64 `json:"min_trade_volume"`
	MinConnectedActors int     `json:"min_connected_actors"`
	MinInfluenceScore  float64 `json:"min_influence_score"` // 0-100 quality floor
	MinTotalTrades     int     `json:"min_total_trades"`
	MinViralVelocity   int     `json:"min_viral_velocity"`
	RequireSmartMoney  bool    `json:"require_smart_money"`
	MinConsensusScore  float64 `json:"min_consensus_score"`
	MinMarketCapUSD    float64 `json:"min_market_cap_usd"`
	MinLiquidityUSD    float64 `json:"min_liquidity_usd"`
}

// RiskConfig holds the exit parameters stamped onto every new position.
type RiskConfig struct {
	TakeProfitPct       float64 `json:"take_profit_pct"` // 1-1000
	StopLossPct         float64 `json:"stop_loss_pct"`   // 1-100
	TrailingStopPct     float64 `json:"trailing_stop_pct"`
	TrailingStopEnabled bool    `json:"trailing_stop_enabled"`
	MaxHoldMinutes      int     `json:"max_hold_minutes"`
}

type TradingConfig struct {
	BuyAmount              float64 `json:"buy_amount"` // in quote asset
	SlippagePct            float64 `json:"slippage_pct"`
	AllowAdditionalEntries bool    `json:"allow_additional_entries"`
	MaxEntriesPerToken     int     `json:"max_entries_per_token"`
	// NativeQuoteMint is the wrapped native asset; the engine never opens
	// a position in it.
	NativeQuoteMint string `json:"native_quote_mint"`
	// AgentID stamps the positions this engine instance opens.
	AgentID string `json:"agent_id"`
}

// DefaultNativeQuoteMint is the wrapped native asset mint.
const DefaultNativeQuoteMint = "So11111111111111111111111111111111111111112"

type LoggingConfig struct {
	Level      string `json:"level"` // debug, info, warn, error
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

// SimulationConfig enables paper trading against the in-process ledger.
type SimulationConfig struct {
	Enabled        bool    `json:"enabled"`
	InitialBalance float64 `json:"initial_balance"`
}

// ServerConfig holds the status HTTP/WebSocket surface settings.
type ServerConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	AllowedOrigins string `json:"allowed_origins"`
}

// Load reads config.json (when present) and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the recognized option ranges.
func (c *Config) Validate() error {
	if c.RiskConfig.TakeProfitPct < 1 || c.RiskConfig.TakeProfitPct > 1000 {
		return fmt.Errorf("risk.take_profit_pct must be in [1,1000], got %v", c.RiskConfig.TakeProfitPct)
	}
	if c.RiskConfig.StopLossPct < 1 || c.RiskConfig.StopLossPct > 100 {
		return fmt.Errorf("risk.stop_loss_pct must be in [1,100], got %v", c.RiskConfig.StopLossPct)
	}
	if c.TradingConfig.BuyAmount <= 0 {
		return fmt.Errorf("trading.buy_amount must be positive, got %v", c.TradingConfig.BuyAmount)
	}
	if c.FilterConfig.MinInfluenceScore < 0 || c.FilterConfig.MinInfluenceScore > 100 {
		return fmt.Errorf("filter.min_influence_score must be in [0,100], got %v", c.FilterConfig.MinInfluenceScore)
	}
	if m := c.MonitoringConfig.Mode; m != "" && m != "all" && m != "subscribed" {
		return fmt.Errorf("monitoring.mode must be \"all\" or \"subscribed\", got %q", m)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.APIConfig.ServerURL = getEnvOrDefault("API_SERVER_URL", cfg.APIConfig.ServerURL)
	cfg.APIConfig.APIKey = getEnvOrDefault("API_KEY", cfg.APIConfig.APIKey)

	cfg.StoreConfig.URL = getEnvOrDefault("STORE_URL", cfg.StoreConfig.URL)
	if cfg.StoreConfig.URL == "" {
		cfg.StoreConfig.URL = "localhost:6379"
	}
	cfg.StoreConfig.Password = getEnvOrDefault("STORE_PASSWORD", cfg.StoreConfig.Password)
	cfg.StoreConfig.DB = getEnvIntOrDefault("STORE_DB", cfg.StoreConfig.DB)
	cfg.StoreConfig.PoolSize = getEnvIntOrDefault("STORE_POOL_SIZE", defaultInt(cfg.StoreConfig.PoolSize, 10))

	cfg.ArchiveConfig.URL = getEnvOrDefault("ARCHIVE_URL", cfg.ArchiveConfig.URL)
	if getEnvOrDefault("ARCHIVE_ENABLED", "") != "" {
		cfg.ArchiveConfig.Enabled = getEnvOrDefault("ARCHIVE_ENABLED", "false") == "true"
	}

	cfg.MonitoringConfig.Mode = getEnvOrDefault("MONITORING_MODE", defaultStr(cfg.MonitoringConfig.Mode, "subscribed"))

	cfg.FilterConfig.MinTradeVolume = getEnvFloatOrDefault("FILTER_MIN_TRADE_VOLUME", cfg.FilterConfig.MinTradeVolume)
	cfg.FilterConfig.MinConnectedActors = getEnvIntOrDefault("FILTER_MIN_CONNECTED_ACTORS", cfg.FilterConfig.MinConnectedActors)
	cfg.FilterConfig.MinInfluenceScore = getEnvFloatOrDefault("FILTER_MIN_INFLUENCE_SCORE", cfg.FilterConfig.MinInfluenceScore)
	cfg.FilterConfig.MinTotalTrades = getEnvIntOrDefault("FILTER_MIN_TOTAL_TRADES", cfg.FilterConfig.MinTotalTrades)
	cfg.FilterConfig.MinViralVelocity = getEnvIntOrDefault("FILTER_MIN_VIRAL_VELOCITY", cfg.FilterConfig.MinViralVelocity)
	cfg.FilterConfig.RequireSmartMoney = getEnvOrDefault("FILTER_REQUIRE_SMART_MONEY", boolStr(cfg.FilterConfig.RequireSmartMoney)) == "true"
	cfg.FilterConfig.MinConsensusScore = getEnvFloatOrDefault("FILTER_MIN_CONSENSUS_SCORE", cfg.FilterConfig.MinConsensusScore)
	cfg.FilterConfig.MinMarketCapUSD = getEnvFloatOrDefault("FILTER_MIN_MARKET_CAP_USD", cfg.FilterConfig.MinMarketCapUSD)
	cfg.FilterConfig.MinLiquidityUSD = getEnvFloatOrDefault("FILTER_MIN_LIQUIDITY_USD", cfg.FilterConfig.MinLiquidityUSD)

	cfg.RiskConfig.TakeProfitPct = getEnvFloatOrDefault("RISK_TAKE_PROFIT_PCT", defaultFloat(cfg.RiskConfig.TakeProfitPct, 50))
	cfg.RiskConfig.StopLossPct = getEnvFloatOrDefault("RISK_STOP_LOSS_PCT", defaultFloat(cfg.RiskConfig.StopLossPct, 20))
	cfg.RiskConfig.TrailingStopPct = getEnvFloatOrDefault("RISK_TRAILING_STOP_PCT", cfg.RiskConfig.TrailingStopPct)
	cfg.RiskConfig.TrailingStopEnabled = getEnvOrDefault("RISK_TRAILING_STOP_ENABLED", boolStr(cfg.RiskConfig.TrailingStopEnabled)) == "true"
	cfg.RiskConfig.MaxHoldMinutes = getEnvIntOrDefault("RISK_MAX_HOLD_MINUTES", cfg.RiskConfig.MaxHoldMinutes)

	cfg.TradingConfig.BuyAmount = getEnvFloatOrDefault("TRADING_BUY_AMOUNT", defaultFloat(cfg.TradingConfig.BuyAmount, 0.1))
	cfg.TradingConfig.SlippagePct = getEnvFloatOrDefault("TRADING_SLIPPAGE_PCT", defaultFloat(cfg.TradingConfig.SlippagePct, 2.0))
	cfg.TradingConfig.AllowAdditionalEntries = getEnvOrDefault("TRADING_ALLOW_ADDITIONAL_ENTRIES", boolStr(cfg.TradingConfig.AllowAdditionalEntries)) == "true"
	cfg.TradingConfig.MaxEntriesPerToken = getEnvIntOrDefault("TRADING_MAX_ENTRIES_PER_TOKEN", defaultInt(cfg.TradingConfig.MaxEntriesPerToken, 1))
	cfg.TradingConfig.NativeQuoteMint = getEnvOrDefault("TRADING_NATIVE_QUOTE_MINT", defaultStr(cfg.TradingConfig.NativeQuoteMint, DefaultNativeQuoteMint))
	cfg.TradingConfig.AgentID = getEnvOrDefault("TRADING_AGENT_ID", defaultStr(cfg.TradingConfig.AgentID, "engine"))

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	cfg.SimulationConfig.Enabled = getEnvOrDefault("SIMULATION_ENABLED", boolStr(cfg.SimulationConfig.Enabled)) == "true"
	cfg.SimulationConfig.InitialBalance = getEnvFloatOrDefault("SIMULATION_INITIAL_BALANCE", defaultFloat(cfg.SimulationConfig.InitialBalance, 10))

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultStr(cfg.ServerConfig.AllowedOrigins, "*"))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func defaultStr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GenerateSampleConfig writes a starter config.json.
func GenerateSampleConfig(filename string) error {
	config := Config{
		APIConfig: APIConfig{
			ServerURL: "wss://stream.example.com",
			APIKey:    "your_api_key_here",
		},
		StoreConfig: StoreConfig{
			URL:      "localhost:6379",
			PoolSize: 10,
		},
		MonitoringConfig: MonitoringConfig{
			Mode: "subscribed",
		},
		FilterConfig: FilterConfig{
			MinTradeVolume:     10000,
			MinConnectedActors: 5,
			MinInfluenceScore:  50,
			MinTotalTrades:     10,
			MinViralVelocity:   5,
			MinConsensusScore:  70,
		},
		RiskConfig: RiskConfig{
			TakeProfitPct:       50,
			StopLossPct:         20,
			TrailingStopPct:     10,
			TrailingStopEnabled: true,
			MaxHoldMinutes:      60,
		},
		TradingConfig: TradingConfig{
			BuyAmount:          0.1,
			SlippagePct:        2.0,
			MaxEntriesPerToken: 1,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
		SimulationConfig: SimulationConfig{
			Enabled:        true,
			InitialBalance: 10,
		},
		ServerConfig: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
