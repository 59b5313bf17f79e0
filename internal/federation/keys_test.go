package federation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRSAKeyPairRoundTrip(t *testing.T) {
	pubJWK, privJWK, err := GenerateRSAKeyPair()
	require.NoError(t, err)

	priv, err := RSAPrivateKeyFromJWK(privJWK)
	require.NoError(t, err)
	require.NotNil(t, priv)

	pem, err := RSAPublicKeyPEMFromJWK(pubJWK)
	require.NoError(t, err)
	require.Contains(t, pem, "PUBLIC KEY")

	pub, err := ParseRSAPublicKeyPEM(pem)
	require.NoError(t, err)
	require.Equal(t, priv.PublicKey.N, pub.N)
}

func TestEd25519MultibaseRoundTrip(t *testing.T) {
	pubJWK, privJWK, err := GenerateEd25519KeyPair()
	require.NoError(t, err)

	priv, err := Ed25519PrivateKeyFromJWK(privJWK)
	require.NoError(t, err)
	require.NotEmpty(t, priv)

	mb, err := Ed25519PublicKeyMultibaseFromJWK(pubJWK)
	require.NoError(t, err)
	require.True(t, len(mb) > 0 && mb[0] == 'z') // base58btc multibase prefix
}
