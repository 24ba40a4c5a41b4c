package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SettingsConfig models settings.json. Every field is optional.
type SettingsConfig struct {
	Token struct {
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"token"`
	Fees struct {
		AdvisoryMinimum    string `json:"advisoryMinimum"`
		EnforceProtocolFee *bool  `json:"enforceProtocolFee"`
	} `json:"fees"`
	Balance struct {
		MinGasWei    string `json:"minGasWei"`
		TokenMargin  string `json:"tokenMargin"`
		RetryDelayMs int    `json:"retryDelayMs"`
	} `json:"balance"`
	Chain struct {
		RPCURL        string `json:"rpcUrl"`
		Confirmations int    `json:"confirmations"`
		ReceiptPollMs int    `json:"receiptPollMs"`
	} `json:"chain"`
	Store struct {
		BaseURL   string `json:"baseUrl"`
		TimeoutMs int    `json:"timeoutMs"`
	} `json:"store"`
	Sessions struct {
		SuccessTTLMs      int `json:"successTtlMs"`
		RefundWindowSecs  int `json:"refundWindowSeconds"`
		HMACClockSkewSecs int `json:"hmacClockSkewSeconds"`
	} `json:"sessions"`
	Secrets struct {
		StoreHMACSecret string `json:"storeHmacSecret"`
		APIHMACSecret   string `json:"apiHmacSecret"`
	} `json:"secrets"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Network   string `json:"network"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		X402Mail     string `json:"X402Mail"`
		PaymentToken string `json:"PaymentToken"`
	} `json:"contracts"`
}

// AppConfig ties together settings + deployment info and derived values.
type AppConfig struct {
	Settings   SettingsConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Store      StoreConfig
	Send       SendConfig
}

type ServiceConfig struct {
	HTTPPort            int
	HMACSecret          string
	HMACClockSkew       time.Duration
	RecoveryStorePath   string
	RecoveryPostgresDSN string
	InboxCachePath      string
	LogLevel            string
	TracingEnabled      bool
}

type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	Network       string
	ChainID       int64
	EscrowAddress string
	TokenAddress  string
	Confirmations uint64
	PollInterval  time.Duration
	// SimWallet is the funded sender used when no private key is configured.
	SimWallet string
}

type StoreConfig struct {
	BaseURL    string
	HMACSecret string
	Timeout    time.Duration
}

// SendConfig holds the sufficiency and fee rules applied to every send.
type SendConfig struct {
	TokenSymbol        string
	TokenDecimals      int
	AdvisoryMinimum    *big.Int
	EnforceProtocolFee bool
	MinGas             *big.Int
	TokenMargin        *big.Int
	BalanceRetryDelay  time.Duration
	SuccessTTL         time.Duration
	RefundWindow       time.Duration
}

const (
	defaultSettingsPath    = "../settings.json"
	defaultDeploymentsPath = "../deployments.json"

	defaultAdvisoryMinimum = "5000"          // 0.005 USDC
	defaultMinGasWei       = "5000000000000" // 0.000005 ETH
	defaultSimWallet       = "0x000000000000000000000000000000000000a11c"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	settingsPath := envOr("SETTINGS_PATH", defaultSettingsPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	deployment, err := loadDeployments(deploymentsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || os.Getenv("ESCROW_CONTRACT_ADDRESS") == "" {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		deployment = &DeploymentConfig{}
	}

	advisory, err := parseUnits("fees.advisoryMinimum", orDefault(settings.Fees.AdvisoryMinimum, defaultAdvisoryMinimum))
	if err != nil {
		return nil, err
	}
	minGas, err := parseUnits("balance.minGasWei", orDefault(settings.Balance.MinGasWei, defaultMinGasWei))
	if err != nil {
		return nil, err
	}
	margin, err := parseUnits("balance.tokenMargin", orDefault(settings.Balance.TokenMargin, "0"))
	if err != nil {
		return nil, err
	}

	enforceFee := true
	if settings.Fees.EnforceProtocolFee != nil {
		enforceFee = *settings.Fees.EnforceProtocolFee
	}

	serviceCfg := ServiceConfig{
		HTTPPort:            envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:          envOr("API_HMAC_SECRET", settings.Secrets.APIHMACSecret),
		HMACClockSkew:       time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", positiveOr(settings.Sessions.HMACClockSkewSecs, 60))) * time.Second,
		RecoveryStorePath:   envOr("RECOVERY_STORE_PATH", filepath.Join(os.TempDir(), "x402mail-recovery.json")),
		RecoveryPostgresDSN: envOr("RECOVERY_POSTGRES_DSN", ""),
		InboxCachePath:      envOr("INBOX_CACHE_PATH", ""),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		TracingEnabled:      envOrBool("TRACING_ENABLED", false),
	}

	chainCfg := ChainConfig{
		RPCURL:        envOr("CHAIN_RPC_URL", settings.Chain.RPCURL),
		PrivateKey:    envOr("CHAIN_PRIVATE_KEY", ""),
		Network:       envOr("NETWORK", orDefault(deployment.Network, "base-sepolia")),
		ChainID:       deployment.ChainID,
		EscrowAddress: envOr("ESCROW_CONTRACT_ADDRESS", deployment.Contracts.X402Mail),
		TokenAddress:  envOr("PAYMENT_TOKEN_ADDRESS", deployment.Contracts.PaymentToken),
		Confirmations: uint64(positiveOr(settings.Chain.Confirmations, 1)),
		PollInterval:  time.Duration(positiveOr(settings.Chain.ReceiptPollMs, 2000)) * time.Millisecond,
		SimWallet:     envOr("SIM_WALLET_ADDRESS", defaultSimWallet),
	}

	storeCfg := StoreConfig{
		BaseURL:    envOr("STORE_BASE_URL", settings.Store.BaseURL),
		HMACSecret: envOr("STORE_HMAC_SECRET", settings.Secrets.StoreHMACSecret),
		Timeout:    time.Duration(positiveOr(settings.Store.TimeoutMs, 15000)) * time.Millisecond,
	}

	sendCfg := SendConfig{
		TokenSymbol:        orDefault(settings.Token.Symbol, "USDC"),
		TokenDecimals:      positiveOr(settings.Token.Decimals, 6),
		AdvisoryMinimum:    advisory,
		EnforceProtocolFee: enforceFee,
		MinGas:             minGas,
		TokenMargin:        margin,
		BalanceRetryDelay:  time.Duration(positiveOr(settings.Balance.RetryDelayMs, 1000)) * time.Millisecond,
		SuccessTTL:         time.Duration(positiveOr(settings.Sessions.SuccessTTLMs, 3000)) * time.Millisecond,
		RefundWindow:       time.Duration(settings.Sessions.RefundWindowSecs) * time.Second,
	}

	cfg := &AppConfig{
		Settings:   *settings,
		Deployment: *deployment,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Store:      storeCfg,
		Send:       sendCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot send with.
func (c *AppConfig) Validate() error {
	var problems []string
	checkAddress := func(name, value string) {
		switch {
		case value == "":
			problems = append(problems, name+" is required")
		case !common.IsHexAddress(value):
			problems = append(problems, fmt.Sprintf("%s %q is not a hex address", name, value))
		}
	}
	checkAddress("escrow contract address", c.Chain.EscrowAddress)
	checkAddress("payment token address", c.Chain.TokenAddress)
	if c.Chain.PrivateKey == "" {
		checkAddress("simulator wallet address", c.Chain.SimWallet)
	} else if c.Chain.RPCURL == "" {
		problems = append(problems, "chain rpc url is required with a private key")
	}
	if strings.TrimSpace(c.Store.BaseURL) == "" {
		problems = append(problems, "message store base url is required")
	}
	if c.Send.TokenDecimals <= 0 || c.Send.TokenDecimals > 36 {
		problems = append(problems, fmt.Sprintf("token decimals %d out of range", c.Send.TokenDecimals))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func loadSettings(path string) (*SettingsConfig, error) {
	var cfg SettingsConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseUnits(name, value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("settings %s: invalid integer %q", name, value)
	}
	return v, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
