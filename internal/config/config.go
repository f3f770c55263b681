package config

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
)

const (
	usdcAddressArbitrum        = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	usdcAddressArbitrumSepolia = "0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"

	// TokenName and TokenVersion are the USDC EIP-712 domain parameters.
	TokenName    = "USD Coin"
	TokenVersion = "2"

	// TokenDecimals is validated against the on-chain token at startup.
	TokenDecimals = 6
)

var privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

type Config struct {
	DB       DBConfig
	Chain    ChainConfig
	Fees     FeeConfig
	Recovery RecoveryConfig
	Server   ServerConfig
	Alert    AlertConfig
	Tracing  TracingConfig
	Log      LogConfig
}

type DBConfig struct {
	// URL empty selects the in-memory ledger (single instance, dev only).
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type ChainConfig struct {
	Network      model.Network
	ChainID      int64
	RPCURL       string
	TokenAddress string
	// PrivateKey is the facilitator signing key, 0x-prefixed 32-byte hex.
	PrivateKey string
	// RPCRateLimit caps transaction submissions per second.
	RPCRateLimit   float64
	ConfirmTimeout time.Duration
}

type FeeConfig struct {
	ServiceFeeBPS       int64
	MaxServiceFeeBPS    int64
	GasFeeUnits         *big.Int
	MaxGasFeeUnits      *big.Int
	MaxSettlementAmount *big.Int
}

type RecoveryConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

type ServerConfig struct {
	Port       int
	AdminPort  int
	AdminToken string
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	network := model.Network(getEnv("NETWORK", string(model.NetworkArbitrumSepolia)))

	cfg := &Config{
		DB: DBConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			MigrationsDir:   getEnv("MIGRATIONS_DIR", "migrations"),
		},
		Chain: ChainConfig{
			Network:        network,
			ChainID:        network.ChainID(),
			RPCURL:         defaultRPCURL(network),
			TokenAddress:   defaultTokenAddress(network),
			PrivateKey:     normalizePrivateKey(getEnv("FACILITATOR_PRIVATE_KEY", getEnv("EVM_PRIVATE_KEY", ""))),
			RPCRateLimit:   getEnvFloat("RPC_RATE_LIMIT", 5),
			ConfirmTimeout: time.Duration(getEnvInt("CONFIRM_TIMEOUT_SEC", 120)) * time.Second,
		},
		Fees: FeeConfig{
			ServiceFeeBPS:       int64(getEnvInt("SERVICE_FEE_BPS", 50)),
			MaxServiceFeeBPS:    int64(getEnvInt("MAX_SERVICE_FEE_BPS", 500)),
			GasFeeUnits:         getEnvBigInt("GAS_FEE_UNITS", "100000"),
			MaxGasFeeUnits:      getEnvBigInt("MAX_GAS_FEE_UNITS", "1000000"),
			MaxSettlementAmount: getEnvBigInt("MAX_SETTLEMENT_AMOUNT", "1000000000"),
		},
		Recovery: RecoveryConfig{
			Interval:    time.Duration(getEnvInt("RECOVERY_INTERVAL_MS", 300000)) * time.Millisecond,
			MaxAttempts: getEnvInt("RECOVERY_MAX_ATTEMPTS", 3),
		},
		Server: ServerConfig{
			Port:       getEnvInt("PORT", 3002),
			AdminPort:  getEnvInt("ADMIN_PORT", 3003),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:  getEnv("TRACING_ENABLED", "false") == "true",
			Endpoint: getEnv("TRACING_ENDPOINT", ""),
			Insecure: getEnv("TRACING_INSECURE", "true") == "true",
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if v := getEnv("RPC_URL", ""); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := getEnv("TOKEN_ADDRESS", ""); v != "" {
		cfg.Chain.TokenAddress = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Chain.Network.Valid() {
		return fmt.Errorf("invalid NETWORK %q: must be one of %s, %s",
			c.Chain.Network, model.NetworkArbitrum, model.NetworkArbitrumSepolia)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("FACILITATOR_PRIVATE_KEY is required")
	}
	if !privateKeyPattern.MatchString(c.Chain.PrivateKey) {
		return fmt.Errorf("invalid FACILITATOR_PRIVATE_KEY format: expected 0x followed by 64 hex characters")
	}
	if c.Fees.ServiceFeeBPS < 0 || c.Fees.ServiceFeeBPS > c.Fees.MaxServiceFeeBPS {
		return fmt.Errorf("SERVICE_FEE_BPS (%d) outside allowed range [0, %d]", c.Fees.ServiceFeeBPS, c.Fees.MaxServiceFeeBPS)
	}
	if c.Fees.GasFeeUnits == nil || c.Fees.GasFeeUnits.Sign() < 0 {
		return fmt.Errorf("GAS_FEE_UNITS must be a non-negative integer")
	}
	if c.Fees.GasFeeUnits.Cmp(c.Fees.MaxGasFeeUnits) > 0 {
		return fmt.Errorf("GAS_FEE_UNITS (%s) exceeds MAX_GAS_FEE_UNITS (%s)", c.Fees.GasFeeUnits, c.Fees.MaxGasFeeUnits)
	}
	if c.Fees.MaxSettlementAmount == nil || c.Fees.MaxSettlementAmount.Sign() <= 0 {
		return fmt.Errorf("MAX_SETTLEMENT_AMOUNT must be a positive integer")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func defaultRPCURL(n model.Network) string {
	switch n {
	case model.NetworkArbitrum:
		return "https://arb1.arbitrum.io/rpc"
	case model.NetworkArbitrumSepolia:
		return "https://sepolia-rollup.arbitrum.io/rpc"
	default:
		return ""
	}
}

func defaultTokenAddress(n model.Network) string {
	switch n {
	case model.NetworkArbitrum:
		return usdcAddressArbitrum
	case model.NetworkArbitrumSepolia:
		return usdcAddressArbitrumSepolia
	default:
		return ""
	}
}

func normalizePrivateKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	return key
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBigInt(key, fallback string) *big.Int {
	raw := getEnv(key, fallback)
	if i, ok := new(big.Int).SetString(raw, 10); ok {
		return i
	}
	i, _ := new(big.Int).SetString(fallback, 10)
	return i
}
