package federation

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/aturi"
	"github.com/msonnb/fedisky/internal/lexicon"
	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/registry"
	"github.com/msonnb/fedisky/internal/store"
)

// HandleFollow processes an inbound Follow: validates actor/object ids,
// fetches the follower's Actor document, persists the Follow, and replies
// with an Accept. The caller is responsible for delivering the returned
// Accept activity to the follower's inbox.
func (e *Engine) HandleFollow(ctx context.Context, identifier string, act apvocab.IncomingActivity) (*apvocab.Activity, error) {
	if act.ID == "" || act.Actor == "" {
		return nil, fmt.Errorf("follow: missing id or actor")
	}
	objectID, ok := stringObjectID(act.Object)
	if !ok || objectID == "" {
		return nil, fmt.Errorf("follow: object does not parse as an actor id")
	}
	if !IsActorID(act.Actor) {
		return nil, fmt.Errorf("follow: actor %q does not look like an actor id", act.Actor)
	}

	follower, err := FetchActor(ctx, act.Actor)
	if err != nil {
		return nil, fmt.Errorf("follow: fetch follower actor: %w", err)
	}
	if follower.Inbox == "" {
		return nil, fmt.Errorf("follow: follower actor has no inbox")
	}

	if err := e.Store.CreateFollow(store.Follow{
		UserDID:    identifier,
		ActivityID: act.ID,
		ActorURI:   act.Actor,
		ActorInbox: follower.Inbox,
	}); err != nil {
		return nil, fmt.Errorf("follow: persist: %w", err)
	}

	accept := &apvocab.Activity{
		Context: apvocab.DefaultContext,
		ID:      objectID + "#accept-" + shortHash(act.ID),
		Type:    "Accept",
		Actor:   objectID,
		Object:  act.ID,
	}
	slog.Info("follow accepted", "identifier", identifier, "follower", act.Actor)
	return accept, nil
}

// HandleUndoFollow processes an inbound Undo(Follow): the logical delete key
// is (userDid, actorUri), not the original activityId, so a replayed Undo
// with a different id still removes the relationship.
func (e *Engine) HandleUndoFollow(identifier string, act apvocab.IncomingActivity) error {
	objectID, ok := stringObjectID(act.Object)
	if !ok || objectID == "" {
		return fmt.Errorf("undo follow: object does not parse as an actor id")
	}
	if err := e.Store.DeleteFollow(identifier, act.Actor); err != nil {
		return fmt.Errorf("undo follow: %w", err)
	}
	slog.Info("follow undone", "identifier", identifier, "follower", act.Actor)
	return nil
}

// HandleCreateNote processes an inbound Create(Note) whose InReplyTo points
// at one of our local posts: it prepends an attribution line, converts the
// Note to a post record, attaches a reply ref to the referenced parent, and
// creates the record on the bridge account's repo.
func (e *Engine) HandleCreateNote(ctx context.Context, bridge Uploader, note apvocab.Note, replyParentAtUri string) error {
	if note.Content == "" {
		return nil
	}
	handle, host := actorHandleAndHost(note.AttributedTo)
	attribution := fmt.Sprintf("<p>%s@%s replied:</p>", html.EscapeString(handle), html.EscapeString(host))
	note.Content = attribution + note.Content

	conv, ok := e.Registry.Get("app.bsky.feed.post")
	if !ok {
		return fmt.Errorf("create note: no post converter registered")
	}
	rec, err := conv.ToRecord(ctx, e, bridge.DID(), note, registry.Opts{})
	if err != nil {
		return fmt.Errorf("create note: convert: %w", err)
	}
	if rec == nil {
		return nil
	}

	root := replyParentAtUri
	if did, collection, rkey, ok := aturi.Parse(replyParentAtUri); ok {
		if parentRec, err := e.PDS.GetRecord(ctx, did, collection, rkey); err == nil && parentRec != nil {
			var parentPost lexicon.FeedPost
			if err := jsonUnmarshal(parentRec.Value, &parentPost); err == nil && parentPost.Reply != nil && parentPost.Reply.Root.URI != "" {
				root = parentPost.Reply.Root.URI
			}
		}
	}
	rec.Value.Reply = &lexicon.Reply{
		Parent: lexicon.Ref{URI: replyParentAtUri},
		Root:   lexicon.Ref{URI: root},
	}

	return bridge.Do(ctx, func(pc *pdsclient.Client) error {
		uri, _, err := pc.CreateRecord(ctx, bridge.DID(), "app.bsky.feed.post", rec.Value)
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		if err := e.Store.AddPostMapping(uri, note.ID); err != nil {
			slog.Warn("create note: persist post mapping failed", "uri", uri, "error", err)
		}
		return nil
	})
}

// stringObjectID extracts an actor id string from an inbound activity's raw
// object field, which may be a bare string or an embedded object with an id.
func stringObjectID(raw []byte) (string, bool) {
	s, ok := parseBareString(raw)
	if ok {
		return s, true
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := jsonUnmarshal(raw, &obj); err != nil {
		return "", false
	}
	return obj.ID, obj.ID != ""
}

func parseBareString(raw []byte) (string, bool) {
	var s string
	if err := jsonUnmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func actorHandleAndHost(actorURI string) (handle, host string) {
	trimmed := strings.TrimPrefix(actorURI, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return actorURI, ""
	}
	host = parts[0]
	segs := strings.Split(parts[1], "/")
	handle = segs[len(segs)-1]
	return handle, host
}

func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

