package firehose

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msonnb/fedisky/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSplitPath(t *testing.T) {
	collection, rkey, ok := splitPath("app.bsky.feed.post/3jzfcijpj2z2a")
	require.True(t, ok)
	require.Equal(t, "app.bsky.feed.post", collection)
	require.Equal(t, "3jzfcijpj2z2a", rkey)

	_, _, ok = splitPath("no-slash-here")
	require.False(t, ok)
}

func TestResumeURLFallsBackWithoutPersistedCursor(t *testing.T) {
	p := &Processor{URL: "wss://pds.example/xrpc/com.atproto.sync.subscribeRepos", Store: openTestStore(t)}
	require.Equal(t, p.URL, p.resumeURL())
}

func TestResumeURLUsesPersistedCursor(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SetKV(cursorKey, "42"))
	p := &Processor{URL: "wss://pds.example/xrpc/com.atproto.sync.subscribeRepos?cursor=1", Store: st}
	require.Equal(t, "wss://pds.example/xrpc/com.atproto.sync.subscribeRepos?cursor=42", p.resumeURL())
}
