package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

var (
	errEmptyKeystorePath = errors.New("crypto: empty keystore path")
	errNilKey            = errors.New("crypto: nil private key")
)

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path. The
// file is written next to its final location and renamed into place so a
// crash never leaves a truncated keystore behind.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errNilKey
	}
	if strings.TrimSpace(path) == "" {
		return errEmptyKeystorePath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(dir, ".keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	ks := keystore.NewKeyStore(staging, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return fmt.Errorf("crypto: import key: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errEmptyKeystorePath
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt %s: %w", filepath.Base(path), err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadSigningKey resolves the daemon signing key. The passphrase is read from
// passphraseFile when set, otherwise from the named environment variable.
func LoadSigningKey(path, passphraseFile, passphraseEnv string) (*PrivateKey, error) {
	passphrase, err := readPassphrase(passphraseFile, passphraseEnv)
	if err != nil {
		return nil, err
	}
	return LoadFromKeystore(path, passphrase)
}

func readPassphrase(file, env string) (string, error) {
	if file = strings.TrimSpace(file); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("crypto: read passphrase: %w", err)
		}
		return strings.TrimRight(string(raw), "\r\n"), nil
	}
	if env = strings.TrimSpace(env); env != "" {
		if value, ok := os.LookupEnv(env); ok {
			return value, nil
		}
		return "", fmt.Errorf("crypto: passphrase variable %s not set", env)
	}
	return "", nil
}
