package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/blob"
	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/registry"
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

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st := openTestStore(t)
	return New("bridge.example", "https://bridge.example", 4, st, pdsclient.New("https://pds.example"), registry.New(registry.PostConverter{}), blob.New(nil, 10<<20))
}

// TestHandleFollowScenarioS1 mirrors S1: an inbound Follow results in exactly
// one persisted follower row and an Accept whose object is the Follow's bare
// activity id.
func TestHandleFollowScenarioS1(t *testing.T) {
	actorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apvocab.Actor{
			ID:    "https://m.example/users/a",
			Type:  "Person",
			Inbox: "https://m.example/users/a/inbox",
		})
	}))
	defer actorSrv.Close()

	e := newTestEngine(t)
	act := apvocab.IncomingActivity{
		ID:     "https://m.example/act/1",
		Type:   "Follow",
		Actor:  actorSrv.URL,
		Object: json.RawMessage(`"https://local/users/did:plc:alice"`),
	}

	accept, err := e.HandleFollow(context.Background(), "did:plc:alice", act)
	require.NoError(t, err)
	require.NotNil(t, accept)
	require.Equal(t, "Accept", accept.Type)
	require.Equal(t, act.ID, accept.Object)

	page, err := e.Store.GetFollows("did:plc:alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Follows, 1)
	require.Equal(t, actorSrv.URL, page.Follows[0].ActorURI)
}

// TestHandleUndoFollowScenarioS2 mirrors S2: after a Follow is accepted, an
// Undo(Follow) from the same actor drops the follower count back to zero.
func TestHandleUndoFollowScenarioS2(t *testing.T) {
	actorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apvocab.Actor{
			ID:    "https://m.example/users/a2",
			Type:  "Person",
			Inbox: "https://m.example/users/a2/inbox",
		})
	}))
	defer actorSrv.Close()

	e := newTestEngine(t)
	follow := apvocab.IncomingActivity{
		ID:     "https://m.example/act/2",
		Type:   "Follow",
		Actor:  actorSrv.URL,
		Object: json.RawMessage(`"https://local/users/did:plc:alice"`),
	}
	_, err := e.HandleFollow(context.Background(), "did:plc:alice", follow)
	require.NoError(t, err)

	undo := apvocab.IncomingActivity{
		ID:     "https://m.example/act/2-undo",
		Type:   "Undo",
		Actor:  actorSrv.URL,
		Object: json.RawMessage(`"https://local/users/did:plc:alice"`),
	}
	require.NoError(t, e.HandleUndoFollow("did:plc:alice", undo))

	page, err := e.Store.GetFollows("did:plc:alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Follows, 0)
}
