package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	var raw [20]byte
	raw[0] = 0xAB
	raw[19] = 0x01
	encoded := FormatAddress(raw)
	require.Contains(t, encoded, "tip1")

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, TipPrefix, decoded.Prefix())
	require.Equal(t, raw, decoded.Array())
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("delegation"))

	sig, err := key.Sign(digest)
	require.NoError(t, err)

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Array(), signer)

	_, err = RecoverSigner(digest, sig[:10])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "owner.keystore")
	require.NoError(t, SaveToKeystore(path, key, "secret"))

	addr, err := KeystoreAddress(path)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Array(), addr)

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())
}
