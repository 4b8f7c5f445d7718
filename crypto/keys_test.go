package crypto

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAddressChecksum(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.Address()

	parsed, err := ParseAddress(addr.Hex())
	if err != nil {
		t.Fatalf("parse checksummed: %v", err)
	}
	if parsed != addr {
		t.Fatalf("unexpected address %s", parsed.Hex())
	}
	if _, err := ParseAddress(strings.ToLower(addr.Hex())); err != nil {
		t.Fatalf("parse lower case: %v", err)
	}
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatal("expected error for short address")
	}

	// Flip the case of the first letter to break the checksum.
	mangled := []byte(addr.Hex())
	for i := 2; i < len(mangled); i++ {
		c := mangled[i]
		if c >= 'a' && c <= 'f' {
			mangled[i] = c - 'a' + 'A'
			break
		}
		if c >= 'A' && c <= 'F' {
			mangled[i] = c - 'A' + 'a'
			break
		}
	}
	if string(mangled) != addr.Hex() {
		if _, err := ParseAddress(string(mangled)); err == nil {
			t.Fatal("expected checksum failure")
		}
	}
}

func TestPrivateKeyFromHexRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "0x" + hex.EncodeToString(key.Bytes())
	loaded, err := PrivateKeyFromHex(encoded)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch")
	}
	if _, err := PrivateKeyFromHex(" "); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "validator.json")
	if err := SaveToKeystore(path, key, "secret"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("loaded key does not match")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}

	t.Setenv("SODIUM_TEST_PASS", "secret")
	viaEnv, err := LoadSigningKey(path, "", "SODIUM_TEST_PASS")
	if err != nil {
		t.Fatalf("load via env: %v", err)
	}
	if viaEnv.Address() != key.Address() {
		t.Fatalf("env-loaded key does not match")
	}
}
