package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func init() {
	UseLightScrypt()
}

func TestParseAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	parsed, err := ParseAddress("  " + key.PublicKey().String() + " ")
	require.NoError(t, err)
	require.True(t, parsed.Equals(key.PublicKey()))

	_, err = ParseAddress("")
	require.Error(t, err)
	_, err = ParseAddress("0OIl")
	require.Error(t, err)
	_, err = ParseAddress(solana.PublicKey{}.String())
	require.Error(t, err)
}

func TestIsCustodyAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.False(t, IsCustodyAddress(key.PublicKey()))

	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("escrow"), key.PublicKey().Bytes()}, solana.SystemProgramID)
	require.NoError(t, err)
	require.True(t, IsCustodyAddress(pda))
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "owner.json")
	require.NoError(t, SaveToKeystore(path, key, "hunter2"))

	loaded, err := LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), loaded.PublicKey())

	_, err = LoadFromKeystore(path, "wrong")
	require.ErrorIs(t, err, keystore.ErrDecrypt)
}
