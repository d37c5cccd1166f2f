package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/gagliardetto/solana-go"
)

const keystoreVersion = 1

// keyFile is the on-disk layout: the identity in clear for lookup and the
// 64-byte ed25519 key sealed with the v3 scrypt/AES-CTR envelope.
type keyFile struct {
	Address string              `json:"address"`
	Crypto  keystore.CryptoJSON `json:"crypto"`
	Version int                 `json:"version"`
}

// KDF cost parameters.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// UseLightScrypt lowers the KDF cost for keystores written afterwards. It
// trades brute-force resistance for speed and is meant for throwaway keys.
func UseLightScrypt() {
	scryptN = keystore.LightScryptN
	scryptP = keystore.LightScryptP
}

// SaveToKeystore writes the provided private key to an encrypted keystore file
// at the given path. If the parent directory does not exist it will be created
// with 0700 permissions.
func SaveToKeystore(path string, key solana.PrivateKey, passphrase string) error {
	if len(key) == 0 {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	sealed, err := keystore.EncryptDataV3(key, []byte(passphrase), scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: seal key: %w", err)
	}
	payload, err := json.MarshalIndent(keyFile{
		Address: key.PublicKey().String(),
		Crypto:  sealed,
		Version: keystoreVersion,
	}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts a keystore file using the supplied passphrase and
// checks the recovered key against the recorded address.
func LoadFromKeystore(path, passphrase string) (solana.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file keyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("crypto: parse keystore: %w", err)
	}
	if file.Version != keystoreVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", file.Version)
	}
	plain, err := keystore.DecryptDataV3(file.Crypto, passphrase)
	if err != nil {
		return nil, err
	}
	key := solana.PrivateKey(plain)
	if key.PublicKey().String() != file.Address {
		return nil, fmt.Errorf("crypto: keystore address mismatch")
	}
	return key, nil
}
