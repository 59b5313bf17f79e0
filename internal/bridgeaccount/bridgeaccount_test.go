package bridgeaccount

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/store"
)

func fakePDS(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt":  "access-1",
			"refreshJwt": "refresh-1",
			"did":        "did:plc:bridge",
			"handle":     "bridge.example.social",
		})
	})
	return httptest.NewServer(mux)
}

// fakePDSAlwaysUnauthorized behaves like fakePDS for session creation, but
// rejects every other call with 401 and has no refresh-session route, so a
// refresh attempt also fails — exercising the auth-exhausted path.
func fakePDSAlwaysUnauthorized(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt":  "access-1",
			"refreshJwt": "refresh-1",
			"did":        "did:plc:bridge",
			"handle":     "bridge.example.social",
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	return httptest.NewServer(mux)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProvisionPersistsAndLoadRestores(t *testing.T) {
	srv := fakePDS(t)
	defer srv.Close()

	st := openTestStore(t)
	client := pdsclient.New(srv.URL)
	mgr := New(st, client)

	require.False(t, mgr.Ready())
	require.NoError(t, mgr.Provision(context.Background(), "bridge.example.social", "app-password"))
	require.True(t, mgr.Ready())
	require.Equal(t, "did:plc:bridge", mgr.DID())

	// A fresh Manager against a fresh client must restore the same identity
	// from the Store without re-authenticating.
	client2 := pdsclient.New(srv.URL)
	mgr2 := New(st, client2)
	loaded, err := mgr2.Load()
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, "did:plc:bridge", mgr2.DID())
	require.Equal(t, "bridge.example.social", mgr2.Handle())
}

func TestLoadReportsUnprovisioned(t *testing.T) {
	st := openTestStore(t)
	client := pdsclient.New("https://example.invalid")
	mgr := New(st, client)

	loaded, err := mgr.Load()
	require.NoError(t, err)
	require.False(t, loaded)
	require.False(t, mgr.Ready())
}

func TestDoRequiresProvisioning(t *testing.T) {
	st := openTestStore(t)
	client := pdsclient.New("https://example.invalid")
	mgr := New(st, client)

	err := mgr.Do(context.Background(), func(*pdsclient.Client) error { return nil })
	require.ErrorIs(t, err, ErrNotProvisioned)
}

// TestDoRecordsAuditLogOnAuthExhausted exercises the configuration-fault path:
// a second 401 (refresh also fails, since the fake PDS has no refresh-session
// route) demotes the account and writes an audit log row, not just a log line.
func TestDoRecordsAuditLogOnAuthExhausted(t *testing.T) {
	srv := fakePDSAlwaysUnauthorized(t)
	defer srv.Close()

	st := openTestStore(t)
	client := pdsclient.New(srv.URL)
	mgr := New(st, client)
	require.NoError(t, mgr.Provision(context.Background(), "bridge.example.social", "app-password"))

	err := mgr.Do(context.Background(), func(pc *pdsclient.Client) error {
		_, _, err := pc.CreateRecord(context.Background(), "did:plc:bridge", "app.bsky.feed.post", map[string]string{"text": "hi"})
		return err
	})
	require.Error(t, err)
	require.False(t, mgr.Ready())

	rows, auditErr := st.GetAuditLogByKind("bridge_auth_exhausted")
	require.NoError(t, auditErr)
	require.Len(t, rows, 1)
}
