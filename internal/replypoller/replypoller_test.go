package replypoller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetBacklinksParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/blue.microcosm.links.getBacklinks", r.URL.Path)
		require.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", r.URL.Query().Get("subject"))
		require.Equal(t, "app.bsky.feed.post:reply.parent.uri", r.URL.Query().Get("source"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(backlinksResponse{
			Total: 1,
			Records: []BacklinkRecord{
				{DID: "did:plc:ext", Collection: "app.bsky.feed.post", Rkey: "z"},
			},
		})
	}))
	defer srv.Close()

	c := NewBacklinkClient(srv.URL)
	records, err := c.GetBacklinks(context.Background(), "at://did:plc:alice/app.bsky.feed.post/abc")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "did:plc:ext", records[0].DID)
	require.Equal(t, "z", records[0].Rkey)
}

func TestGetBacklinksErrorsOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewBacklinkClient(srv.URL)
	_, err := c.GetBacklinks(context.Background(), "at://did:plc:alice/app.bsky.feed.post/abc")
	require.Error(t, err)
}
