package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateFollowIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	f := Follow{
		UserDID:    "did:plc:alice",
		ActivityID: "https://m.example/act/1",
		ActorURI:   "https://m.example/users/a",
		ActorInbox: "https://m.example/users/a/inbox",
	}
	require.NoError(t, s.CreateFollow(f))
	require.NoError(t, s.CreateFollow(f)) // duplicate activityId: no-op

	page, err := s.GetFollows("did:plc:alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Follows, 1)
}

func TestDeleteFollowByLogicalKey(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateFollow(Follow{
		UserDID:    "did:plc:alice",
		ActivityID: "https://m.example/act/1",
		ActorURI:   "https://m.example/users/a",
		ActorInbox: "https://m.example/users/a/inbox",
	}))

	n, err := s.GetFollowsCount("did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.DeleteFollow("did:plc:alice", "https://m.example/users/a"))

	n, err = s.GetFollowsCount("did:plc:alice")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestKeyPairCreationRaceReadsWinner(t *testing.T) {
	s := openTestStore(t)

	kp := KeyPair{UserDID: "did:plc:alice", Type: KeyPairRSA, PublicKey: "{}", PrivateKey: "{}"}
	first, err := s.CreateKeyPair(kp)
	require.NoError(t, err)

	// Simulate a second concurrent caller losing the race: it submits a
	// different (discarded) key material but must read back the winner.
	second, err := s.CreateKeyPair(KeyPair{UserDID: "did:plc:alice", Type: KeyPairRSA, PublicKey: "{different}", PrivateKey: "{different}"})
	require.NoError(t, err)
	require.Equal(t, first.PublicKey, second.PublicKey)
}

func TestPostMappingBothDirections(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AddPostMapping("at://did:plc:alice/app.bsky.feed.post/abc", "https://remote/objects/1"))

	apID, ok := s.GetAPNoteIDForPost("at://did:plc:alice/app.bsky.feed.post/abc")
	require.True(t, ok)
	require.Equal(t, "https://remote/objects/1", apID)

	atUri, ok := s.GetPostForAPNoteID("https://remote/objects/1")
	require.True(t, ok)
	require.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", atUri)
}

func TestMonitoredPostsBatchOrdersNullFirst(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AddMonitoredPost("at://did:plc:alice/app.bsky.feed.post/abc", "did:plc:alice"))
	require.NoError(t, s.AddMonitoredPost("at://did:plc:bob/app.bsky.feed.post/def", "did:plc:bob"))
	require.NoError(t, s.UpdateMonitoredPostLastChecked("at://did:plc:alice/app.bsky.feed.post/abc"))

	batch, err := s.GetMonitoredPostsBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "at://did:plc:bob/app.bsky.feed.post/def", batch[0].AtURI)
}

func TestExternalReplyIdempotence(t *testing.T) {
	s := openTestStore(t)

	r := ExternalReply{
		AtURI:       "at://did:plc:ext/app.bsky.feed.post/z",
		ParentAtURI: "at://did:plc:alice/app.bsky.feed.post/abc",
		AuthorDID:   "did:plc:ext",
		APNoteID:    "https://local/posts/ext-z",
	}
	ok, err := s.HasExternalReply(r.AtURI)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.CreateExternalReply(r))
	require.NoError(t, s.CreateExternalReply(r)) // second call: no-op

	ok, err = s.HasExternalReply(r.AtURI)
	require.NoError(t, err)
	require.True(t, ok)
}
