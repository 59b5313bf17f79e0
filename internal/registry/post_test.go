package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/lexicon"
)

type fakeFedContext struct {
	postForAPNoteID map[string]string
	apNoteIDForPost map[string]string
}

func (f *fakeFedContext) ObjectURI(kind, atUri string) string {
	return "https://bridge.example/posts/" + atUri
}
func (f *fakeFedContext) ActorURI(identifier string) string {
	return "https://bridge.example/users/" + identifier
}
func (f *fakeFedContext) FollowersURI(identifier string) string {
	return f.ActorURI(identifier) + "/followers"
}
func (f *fakeFedContext) GetAPNoteIDForPost(atUri string) (string, bool) {
	v, ok := f.apNoteIDForPost[atUri]
	return v, ok
}
func (f *fakeFedContext) GetPostForAPNoteID(apNoteId string) (string, bool) {
	v, ok := f.postForAPNoteID[apNoteId]
	return v, ok
}

func newFakeFedContext() *fakeFedContext {
	return &fakeFedContext{postForAPNoteID: map[string]string{}, apNoteIDForPost: map[string]string{}}
}

func TestPostToActivityPubBasic(t *testing.T) {
	conv := PostConverter{}
	fedCtx := newFakeFedContext()

	rec := Record{
		URI: "at://did:plc:alice/app.bsky.feed.post/abc",
		Value: lexicon.FeedPost{
			Type:      "app.bsky.feed.post",
			Text:      "hello world",
			CreatedAt: "2026-01-01T00:00:00Z",
		},
	}

	result, err := conv.ToActivityPub(context.Background(), fedCtx, "did:plc:alice", rec, Opts{})
	require.NoError(t, err)
	require.NotNil(t, result)

	note, ok := result.Object.(apvocab.Note)
	require.True(t, ok)
	require.Equal(t, "https://bridge.example/posts/at://did:plc:alice/app.bsky.feed.post/abc", note.ID)
	require.Contains(t, note.Content, "hello world")
	require.Equal(t, "https://bridge.example/users/did:plc:alice", note.AttributedTo)

	activity, ok := result.Activity.(apvocab.Activity)
	require.True(t, ok)
	require.Equal(t, "Create", activity.Type)
}

func TestPostToRecordRejectsEmptyContent(t *testing.T) {
	conv := PostConverter{}
	fedCtx := newFakeFedContext()
	rec, err := conv.ToRecord(context.Background(), fedCtx, "did:plc:alice", apvocab.Note{}, Opts{})
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestPostToRecordBasic(t *testing.T) {
	conv := PostConverter{}
	fedCtx := newFakeFedContext()

	note := apvocab.Note{
		Content:   "<p>hello there</p>",
		Published: "2026-01-01T00:00:00Z",
	}
	rec, err := conv.ToRecord(context.Background(), fedCtx, "did:plc:bridge", note, Opts{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "app.bsky.feed.post", rec.Value.Type)
	require.Contains(t, rec.Value.Text, "hello there")
	require.Contains(t, rec.URI, "at://did:plc:bridge/app.bsky.feed.post/")
}

func TestPostToActivityPubReplyUsesMappedAPNoteID(t *testing.T) {
	conv := PostConverter{}
	fedCtx := newFakeFedContext()
	fedCtx.apNoteIDForPost["at://did:plc:bob/app.bsky.feed.post/parent"] = "https://remote.example/objects/parent"

	rec := Record{
		URI: "at://did:plc:alice/app.bsky.feed.post/reply",
		Value: lexicon.FeedPost{
			Type: "app.bsky.feed.post",
			Text: "replying",
			Reply: &lexicon.Reply{
				Parent: lexicon.Ref{URI: "at://did:plc:bob/app.bsky.feed.post/parent"},
				Root:   lexicon.Ref{URI: "at://did:plc:bob/app.bsky.feed.post/parent"},
			},
		},
	}

	result, err := conv.ToActivityPub(context.Background(), fedCtx, "did:plc:alice", rec, Opts{})
	require.NoError(t, err)
	note := result.Object.(apvocab.Note)
	require.Equal(t, "https://remote.example/objects/parent", note.InReplyTo)
}
