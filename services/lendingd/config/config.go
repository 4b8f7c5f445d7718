package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"sodiumcore/native/contribution"
	"sodiumcore/native/finance"
	"sodiumcore/native/loans"
	"sodiumcore/observability/logging"
	telemetry "sodiumcore/observability/otel"
)

const (
	defaultListen        = ":8080"
	defaultName          = "Sodium Core"
	defaultVersion       = "1.0"
	defaultAuctionLength = 86_400
	defaultAttestTTL     = 100 * time.Second
)

// Config captures the runtime settings for the lending settlement daemon.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	TLS           TLSConfig         `yaml:"tls"`
	Auth          AuthConfig        `yaml:"auth"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Protocol      ProtocolConfig    `yaml:"protocol"`
	Storage       StorageConfig     `yaml:"storage"`
	Redis         RedisConfig       `yaml:"redis"`
	Journal       JournalConfig     `yaml:"journal"`
	Validator     ValidatorConfig   `yaml:"validator"`
	Permissions   PermissionsConfig `yaml:"permissions"`
	Logging       LoggingConfig     `yaml:"logging"`
	Telemetry     telemetry.Config  `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	JWT       JWTConfig      `yaml:"jwt"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
}

// JWTConfig enables HMAC-signed bearer tokens carrying scopes.
type JWTConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmac_secret"`
	SecretEnv  string        `yaml:"secret_env"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// RateLimitConfig bounds mutating requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ProtocolConfig pins the signing domain and economic parameters.
type ProtocolConfig struct {
	Name               string `yaml:"name"`
	Version            string `yaml:"version"`
	ChainID            uint64 `yaml:"chain_id"`
	VerifyingContract  string `yaml:"verifying_contract"`
	FeeNumerator       uint64 `yaml:"fee_numerator"`
	FeeDenominator     uint64 `yaml:"fee_denominator"`
	AuctionLength      uint64 `yaml:"auction_length"`
	Validator          string `yaml:"validator"`
	Treasury           string `yaml:"treasury"`
	SettlementContract string `yaml:"settlement_contract"`
}

// StorageConfig selects the ledger database. An empty path keeps the ledger
// in memory. Engine is leveldb (the default) or bolt.
type StorageConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

// RedisConfig enables the distributed loan lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	Prefix   string        `yaml:"prefix"`
}

// JournalConfig selects the relational store for events and transfers.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ValidatorConfig lets the daemon sign attestations itself.
type ValidatorConfig struct {
	Keystore       string        `yaml:"keystore"`
	PassphraseFile string        `yaml:"passphrase_file"`
	PassphraseEnv  string        `yaml:"passphrase_env"`
	TTL            time.Duration `yaml:"ttl"`
}

// PermissionsConfig seeds the smart-account grant registry.
type PermissionsConfig struct {
	Enforce bool          `yaml:"enforce"`
	Grants  []GrantConfig `yaml:"grants"`
}

// GrantConfig is one (account, target, selector) authorisation.
type GrantConfig struct {
	Account  string `yaml:"account"`
	Target   string `yaml:"target"`
	Selector string `yaml:"selector"`
}

// LoggingConfig controls level and the optional rotated file sink.
type LoggingConfig struct {
	Level string            `yaml:"level"`
	File  *logging.FileSink `yaml:"file"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Protocol.normalize()
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Storage.Engine = strings.ToLower(strings.TrimSpace(cfg.Storage.Engine))
	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = "leveldb"
	}
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "file:lendingd-journal?mode=memory&cache=shared"
	}
	cfg.Validator.Keystore = strings.TrimSpace(cfg.Validator.Keystore)
	if cfg.Validator.TTL <= 0 {
		cfg.Validator.TTL = defaultAttestTTL
	}
	for i := range cfg.Permissions.Grants {
		g := &cfg.Permissions.Grants[i]
		g.Account = strings.TrimSpace(g.Account)
		g.Target = strings.TrimSpace(g.Target)
		g.Selector = strings.ToLower(strings.TrimSpace(g.Selector))
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if _, _, err := cfg.Protocol.Resolve(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	switch cfg.Storage.Engine {
	case "leveldb", "bolt":
	default:
		return fmt.Errorf("storage: unsupported engine %q", cfg.Storage.Engine)
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal: dsn required for %s", cfg.Journal.Driver)
	}
	for i, g := range cfg.Permissions.Grants {
		if _, _, _, err := g.Resolve(); err != nil {
			return fmt.Errorf("permissions.grants[%d]: %w", i, err)
		}
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.APITokens = trimAll(cfg.APITokens)
	cfg.MTLS.AllowedCommonNames = trimAll(cfg.MTLS.AllowedCommonNames)
	cfg.JWT.HMACSecret = strings.TrimSpace(cfg.JWT.HMACSecret)
	if cfg.JWT.HMACSecret == "" && strings.TrimSpace(cfg.JWT.SecretEnv) != "" {
		cfg.JWT.HMACSecret = strings.TrimSpace(os.Getenv(strings.TrimSpace(cfg.JWT.SecretEnv)))
	}
	if cfg.JWT.ScopeClaim == "" {
		cfg.JWT.ScopeClaim = "scope"
	}
	if cfg.JWT.ClockSkew <= 0 {
		cfg.JWT.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	if !hasTokens && !hasMTLS && !cfg.JWT.Enabled {
		return fmt.Errorf("at least one api token, jwt secret or mTLS common name must be configured")
	}
	if cfg.JWT.Enabled && cfg.JWT.HMACSecret == "" {
		return fmt.Errorf("jwt.enabled requires hmac_secret or secret_env")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

func (cfg *ProtocolConfig) normalize() {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.FeeNumerator == 0 && cfg.FeeDenominator == 0 {
		cfg.FeeNumerator, cfg.FeeDenominator = 5, 100
	}
	if cfg.AuctionLength == 0 {
		cfg.AuctionLength = defaultAuctionLength
	}
	cfg.VerifyingContract = strings.TrimSpace(cfg.VerifyingContract)
	cfg.Validator = strings.TrimSpace(cfg.Validator)
	cfg.Treasury = strings.TrimSpace(cfg.Treasury)
	cfg.SettlementContract = strings.TrimSpace(cfg.SettlementContract)
	if cfg.SettlementContract == "" {
		cfg.SettlementContract = cfg.VerifyingContract
	}
}

// Resolve converts the protocol section into the signing domain and ledger
// parameters.
func (cfg ProtocolConfig) Resolve() (contribution.Domain, loans.Params, error) {
	contract, err := parseAddress("verifying_contract", cfg.VerifyingContract)
	if err != nil {
		return contribution.Domain{}, loans.Params{}, err
	}
	validator, err := parseAddress("validator", cfg.Validator)
	if err != nil {
		return contribution.Domain{}, loans.Params{}, err
	}
	if _, err := parseAddress("treasury", cfg.Treasury); err != nil {
		return contribution.Domain{}, loans.Params{}, err
	}
	domain := contribution.Domain{Name: cfg.Name, Version: cfg.Version, ChainID: cfg.ChainID, VerifyingContract: contract}
	if err := domain.Validate(); err != nil {
		return contribution.Domain{}, loans.Params{}, err
	}
	params := loans.Params{
		Validator:     validator,
		FeeRate:       finance.FeeRate{Numerator: cfg.FeeNumerator, Denominator: cfg.FeeDenominator},
		AuctionLength: cfg.AuctionLength,
	}
	if err := params.Validate(); err != nil {
		return contribution.Domain{}, loans.Params{}, err
	}
	return domain, params, nil
}

// TreasuryAddress returns the parsed fee recipient.
func (cfg ProtocolConfig) TreasuryAddress() common.Address {
	return common.HexToAddress(cfg.Treasury)
}

// SettlementAddress returns the permission target for native-asset loans.
func (cfg ProtocolConfig) SettlementAddress() common.Address {
	return common.HexToAddress(cfg.SettlementContract)
}

// Resolve parses the grant triple.
func (g GrantConfig) Resolve() (account, target common.Address, selector [4]byte, err error) {
	if account, err = parseAddress("account", g.Account); err != nil {
		return
	}
	if target, err = parseAddress("target", g.Target); err != nil {
		return
	}
	raw, decodeErr := hexutil.Decode(g.Selector)
	if decodeErr != nil || len(raw) != 4 {
		err = fmt.Errorf("selector %q must be 4 hex bytes", g.Selector)
		return
	}
	copy(selector[:], raw)
	return
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", field, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must not be the zero address", field)
	}
	return addr, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
