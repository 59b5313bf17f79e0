package federation

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyDigestAcceptsMatchingSHA256(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	sum := sha256.Sum256(body)
	header := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	require.NoError(t, VerifyDigest(body, header))
}

func TestVerifyDigestRejectsMismatch(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	require.Error(t, VerifyDigest(body, "SHA-256=not-the-real-digest"))
}

func TestVerifyDigestAcceptsAbsentOrUnknownAlgorithm(t *testing.T) {
	require.NoError(t, VerifyDigest([]byte("x"), ""))
	require.NoError(t, VerifyDigest([]byte("x"), "MD5=whatever"))
}

func TestIsActorID(t *testing.T) {
	require.True(t, IsActorID("https://mastodon.social/users/alice"))
	require.True(t, IsActorID("http://example.com/users/bob"))
	require.False(t, IsActorID("did:plc:alice"))
}

func TestIsLocalID(t *testing.T) {
	require.True(t, IsLocalID("https://bridge.example/users/alice", "https://bridge.example"))
	require.True(t, IsLocalID("https://bridge.example", "https://bridge.example/"))
	require.False(t, IsLocalID("https://other.example/users/alice", "https://bridge.example"))
}
