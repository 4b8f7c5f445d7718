package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const protocolBlock = `
protocol:
  chain_id: 1
  verifying_contract: "0x5000000000000000000000000000000000000001"
  validator: "0x6000000000000000000000000000000000000006"
  treasury: "0x7000000000000000000000000000000000000007"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
`+protocolBlock)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
	if cfg.Validator.TTL != 100*time.Second {
		t.Fatalf("expected default attestation ttl, got %s", cfg.Validator.TTL)
	}
	if cfg.Storage.Engine != "leveldb" {
		t.Fatalf("expected leveldb storage by default, got %q", cfg.Storage.Engine)
	}
	if cfg.Journal.Driver != "sqlite" || !strings.Contains(cfg.Journal.DSN, "mode=memory") {
		t.Fatalf("expected in-memory sqlite journal, got %s %q", cfg.Journal.Driver, cfg.Journal.DSN)
	}

	domain, params, err := cfg.Protocol.Resolve()
	if err != nil {
		t.Fatalf("resolve protocol: %v", err)
	}
	if domain.Name != "Sodium Core" || domain.Version != "1.0" {
		t.Fatalf("unexpected domain defaults: %+v", domain)
	}
	if params.FeeRate.Numerator != 5 || params.FeeRate.Denominator != 100 {
		t.Fatalf("unexpected fee rate %s", params.FeeRate)
	}
	if params.AuctionLength != 86_400 {
		t.Fatalf("unexpected auction length %d", params.AuctionLength)
	}
	if cfg.Protocol.SettlementAddress() != domain.VerifyingContract {
		t.Fatalf("settlement contract should default to the verifying contract")
	}
	if cfg.Protocol.TreasuryAddress() != common.HexToAddress("0x7000000000000000000000000000000000000007") {
		t.Fatalf("unexpected treasury %s", cfg.Protocol.TreasuryAddress())
	}
}

func TestLoadConfigRequiresAuthenticators(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
`+protocolBlock)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "auth") {
		t.Fatalf("expected auth validation error, got %v", err)
	}
}

func TestLoadConfigJWTSecretFromEnv(t *testing.T) {
	t.Setenv("LENDINGD_JWT_SECRET", " s3cret ")
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt:
    enabled: true
    secret_env: LENDINGD_JWT_SECRET
    issuer: sodium
`+protocolBlock)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.JWT.HMACSecret != "s3cret" {
		t.Fatalf("expected secret from env, got %q", cfg.Auth.JWT.HMACSecret)
	}
	if cfg.Auth.JWT.ScopeClaim != "scope" || cfg.Auth.JWT.ClockSkew != 2*time.Minute {
		t.Fatalf("unexpected jwt defaults: %+v", cfg.Auth.JWT)
	}
}

func TestLoadConfigRejectsBadProtocol(t *testing.T) {
	cases := map[string]string{
		"missing validator": `
protocol:
  chain_id: 1
  verifying_contract: "0x5000000000000000000000000000000000000001"
  treasury: "0x7000000000000000000000000000000000000007"
`,
		"zero fee denominator": protocolBlock + `  fee_numerator: 5
  fee_denominator: 0
`,
		"missing chain id": `
protocol:
  verifying_contract: "0x5000000000000000000000000000000000000001"
  validator: "0x6000000000000000000000000000000000000006"
  treasury: "0x7000000000000000000000000000000000000007"
`,
	}
	for name, block := range cases {
		path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
`+block)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "protocol") {
			t.Fatalf("%s: expected protocol error, got %v", name, err)
		}
	}
}

func TestLoadConfigParsesGrantsAndDurations(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
redis:
  addr: " localhost:6379 "
  lock_ttl: 15s
validator:
  ttl: 45s
permissions:
  enforce: true
  grants:
    - account: "0x1111111111111111111111111111111111111111"
      target: "0x2222222222222222222222222222222222222222"
      selector: " 0x23B872DD "
`+protocolBlock)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.LockTTL != 15*time.Second {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Validator.TTL != 45*time.Second {
		t.Fatalf("unexpected validator ttl %s", cfg.Validator.TTL)
	}
	_, _, selector, err := cfg.Permissions.Grants[0].Resolve()
	if err != nil {
		t.Fatalf("resolve grant: %v", err)
	}
	if selector != [4]byte{0x23, 0xb8, 0x72, 0xdd} {
		t.Fatalf("unexpected selector %x", selector)
	}

	bad := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
permissions:
  grants:
    - account: "0x1111111111111111111111111111111111111111"
      target: "0x2222222222222222222222222222222222222222"
      selector: "0x23b8"
`+protocolBlock)
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected short selector to be rejected")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
listen_address: ":1"
`+protocolBlock)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestTLSValidation(t *testing.T) {
	if err := (TLSConfig{CertPath: "a"}).validate(); err == nil {
		t.Fatalf("expected cert/key pairing error")
	}
	if err := (TLSConfig{}).validate(); err == nil {
		t.Fatalf("expected tls requirement without allow_insecure")
	}
	cfg := TLSConfig{CertPath: "a", KeyPath: "b", ClientCAPath: "c"}
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.MTLSEnabled() {
		t.Fatalf("expected mtls to be enabled")
	}
}

func TestLoadConfigStorageEngine(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["token"]
storage:
  engine: " Bolt "
  path: /var/lib/lendingd/ledger.bolt
`+protocolBlock)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.Engine != "bolt" {
		t.Fatalf("unexpected engine %q", cfg.Storage.Engine)
	}

	path = writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["token"]
storage:
  engine: rocksdb
`+protocolBlock)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "storage") {
		t.Fatalf("expected storage engine error, got %v", err)
	}
}
