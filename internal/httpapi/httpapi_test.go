package httpapi

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msonnb/fedisky/internal/config"
)

func testServer() *Server {
	return &Server{cfg: &config.Config{PublicURL: "https://bridge.example"}}
}

func TestDIDFromActorURI(t *testing.T) {
	s := testServer()

	did, ok := s.didFromActorURI("https://bridge.example/users/did:plc:alice")
	require.True(t, ok)
	require.Equal(t, "did:plc:alice", did)

	_, ok = s.didFromActorURI("https://other.example/users/did:plc:alice")
	require.False(t, ok)

	_, ok = s.didFromActorURI("https://bridge.example/users/did:plc:alice/inbox")
	require.False(t, ok)
}

func TestParentFromInReplyTo(t *testing.T) {
	s := testServer()

	atUri := "at://did:plc:alice/app.bsky.feed.post/abc"
	parent, ok := s.parentFromInReplyTo("https://bridge.example/posts/" + url.PathEscape(atUri))
	require.True(t, ok)
	require.Equal(t, atUri, parent)

	_, ok = s.parentFromInReplyTo("https://other.example/posts/whatever")
	require.False(t, ok)

	_, ok = s.parentFromInReplyTo("")
	require.False(t, ok)
}

func TestActorOrigin(t *testing.T) {
	require.Equal(t, "mastodon.social", actorOrigin([]byte(`{"actor":"https://mastodon.social/users/alice"}`), "1.2.3.4:5555"))
	require.Equal(t, "1.2.3.4", actorOrigin([]byte(`{}`), "1.2.3.4:5555"))
}
