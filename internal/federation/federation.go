// Package federation is the bidirectional ActivityPub federation engine: it
// exposes actor/object/collection dispatchers consumed by the HTTP surface,
// handles inbound Follow/Undo/Create activities, and fans out signed
// outbound activities to remote inboxes.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/aturi"
	"github.com/msonnb/fedisky/internal/blob"
	"github.com/msonnb/fedisky/internal/lexicon"
	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/registry"
	"github.com/msonnb/fedisky/internal/store"
)

func jsonUnmarshal(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

// Engine wires the Store, PDS client, converter registry, and blob mediator
// into the federation surface. It also implements registry.FedContext so
// converters can resolve URIs and post mappings without importing this
// package directly.
type Engine struct {
	Hostname    string
	PublicURL   string
	Concurrency int

	Store     *store.Store
	PDS       *pdsclient.Client
	Registry  *registry.Registry
	Blob      *blob.Mediator
	Bootstrap Uploader
}

// Uploader is the subset of bridgeaccount.Manager the engine needs to
// publish bridged records on the bridge account's repo.
type Uploader interface {
	Do(ctx context.Context, fn func(*pdsclient.Client) error) error
	DID() string
}

// New constructs an Engine.
func New(hostname, publicURL string, concurrency int, st *store.Store, pds *pdsclient.Client, reg *registry.Registry, bm *blob.Mediator) *Engine {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Engine{Hostname: hostname, PublicURL: publicURL, Concurrency: concurrency, Store: st, PDS: pds, Registry: reg, Blob: bm}
}

// --- registry.FedContext -----------------------------------------------

func (e *Engine) ActorURI(identifier string) string {
	return strings.TrimRight(e.PublicURL, "/") + "/users/" + identifier
}

func (e *Engine) FollowersURI(identifier string) string {
	return e.ActorURI(identifier) + "/followers"
}

// ObjectURI maps an AT-URI to the local object dispatcher path for kind
// "Note". Only Note is supported — the registry has one converter.
func (e *Engine) ObjectURI(kind, atUri string) string {
	return strings.TrimRight(e.PublicURL, "/") + "/posts/" + url.PathEscape(atUri)
}

func (e *Engine) GetAPNoteIDForPost(atUri string) (string, bool) {
	return e.Store.GetAPNoteIDForPost(atUri)
}

func (e *Engine) GetPostForAPNoteID(apNoteId string) (string, bool) {
	return e.Store.GetPostForAPNoteID(apNoteId)
}

// --- Actor dispatcher ----------------------------------------------------

// ActorDispatcher loads or creates an AP Person for identifier. An
// identifier containing "/" is rejected (would otherwise let path-traversal
// reach into the key-pairs/object namespaces).
func (e *Engine) ActorDispatcher(ctx context.Context, identifier string) (*apvocab.Actor, error) {
	if strings.Contains(identifier, "/") {
		return nil, nil
	}
	did := identifier
	if !strings.HasPrefix(identifier, "did:") {
		resolved, err := e.PDS.ResolveHandle(ctx, identifier+"."+e.Hostname)
		if err != nil {
			return nil, fmt.Errorf("resolve handle for %s: %w", identifier, err)
		}
		if resolved == "" {
			return nil, nil
		}
		did = resolved
	}

	rsaKP, ed25519KP, err := e.keyPairsDispatcher(did)
	if err != nil {
		return nil, fmt.Errorf("key pairs for %s: %w", identifier, err)
	}
	rsaPEM, err := RSAPublicKeyPEMFromJWK(rsaKP.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("rsa public key for %s: %w", identifier, err)
	}
	ed25519Multibase, err := Ed25519PublicKeyMultibaseFromJWK(ed25519KP.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ed25519 public key for %s: %w", identifier, err)
	}

	actorURI := e.ActorURI(identifier)
	return &apvocab.Actor{
		Context:           apvocab.DefaultContext,
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: identifier,
		Inbox:             actorURI + "/inbox",
		Outbox:            actorURI + "/outbox",
		Followers:         actorURI + "/followers",
		Following:         actorURI + "/following",
		PublicKey: &apvocab.PublicKey{
			ID:           actorURI + "#main-key",
			Owner:        actorURI,
			PublicKeyPem: rsaPEM,
		},
		AssertionMethod: []apvocab.Ed25519AssertionMethod{{
			ID:                 actorURI + "#ed25519-key",
			Type:               "Multikey",
			Controller:         actorURI,
			PublicKeyMultibase: ed25519Multibase,
		}},
	}, nil
}

// keyPairsDispatcher ensures both keypairs exist for did, generating and
// persisting any missing one (atomic per (userDid, type) via the Store).
func (e *Engine) keyPairsDispatcher(did string) (rsaKP, ed25519KP store.KeyPair, err error) {
	if err := EnsureKeyPairs(e.Store, did); err != nil {
		return store.KeyPair{}, store.KeyPair{}, err
	}
	rsaKP, ok, err := e.Store.GetKeyPair(did, store.KeyPairRSA)
	if err != nil || !ok {
		return store.KeyPair{}, store.KeyPair{}, fmt.Errorf("rsa key pair missing for %s", did)
	}
	ed25519KP, ok, err = e.Store.GetKeyPair(did, store.KeyPairEd25519)
	if err != nil || !ok {
		return store.KeyPair{}, store.KeyPair{}, fmt.Errorf("ed25519 key pair missing for %s", did)
	}
	return rsaKP, ed25519KP, nil
}

// --- Followers / Following dispatchers ------------------------------------

// FollowerItem is one entry in a followers-collection page.
type FollowerItem struct {
	ID      string `json:"id"`
	InboxID string `json:"inboxId"`
}

// FollowersDispatcher returns one page of identifier's local followers.
func (e *Engine) FollowersDispatcher(did, cursor string, limit int) ([]FollowerItem, string, error) {
	page, err := e.Store.GetFollows(did, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("followers for %s: %w", did, err)
	}
	items := make([]FollowerItem, 0, len(page.Follows))
	for _, f := range page.Follows {
		items = append(items, FollowerItem{ID: f.ActorURI, InboxID: f.ActorInbox})
	}
	return items, page.NextCursor, nil
}

// FollowingDispatcher returns an actor URI for the subject of each of did's
// app.bsky.graph.follow records (first page of up to 100). It does not check
// whether a subject is an account hosted on this PDS; remote subjects are
// included too.
func (e *Engine) FollowingDispatcher(ctx context.Context, did string) ([]string, error) {
	page, err := e.PDS.ListRecords(ctx, did, "app.bsky.graph.follow", 100, false, "")
	if err != nil {
		return nil, fmt.Errorf("list follows for %s: %w", did, err)
	}
	var out []string
	for _, r := range page.Records {
		var v struct {
			Subject string `json:"subject"`
		}
		if err := jsonUnmarshal(r.Value, &v); err != nil {
			continue
		}
		if v.Subject == "" {
			continue
		}
		// No locality check: every subject DID is mapped to this sidecar's
		// actor URI form.
		out = append(out, e.ActorURI(v.Subject))
	}
	return out, nil
}

// --- Object dispatcher -----------------------------------------------------

// ObjectDispatcher parses path as a URL-decoded AT-URI and converts the
// underlying record to its AP object form.
func (e *Engine) ObjectDispatcher(ctx context.Context, encodedAtUri string) (any, error) {
	atUri, err := url.PathUnescape(encodedAtUri)
	if err != nil {
		return nil, fmt.Errorf("decode object path: %w", err)
	}
	did, collection, rkey, ok := aturi.Parse(atUri)
	if !ok {
		return nil, nil
	}
	conv, ok := e.Registry.Get(collection)
	if !ok {
		return nil, nil
	}
	rec, err := e.PDS.GetRecord(ctx, did, collection, rkey)
	if err != nil {
		return nil, fmt.Errorf("fetch record %s: %w", atUri, err)
	}
	if rec == nil {
		return nil, nil
	}
	var fp lexicon.FeedPost
	if err := jsonUnmarshal(rec.Value, &fp); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", atUri, err)
	}
	result, err := conv.ToActivityPub(ctx, e, did, registry.Record{URI: rec.URI, CID: rec.CID, Value: fp}, registry.Opts{BlobURLs: e.PDS})
	if err != nil {
		return nil, err
	}
	return result.Object, nil
}

// --- Outbox dispatcher -----------------------------------------------------

// OutboxPage is one page of a did's outbox, newest-first by rkey.
type OutboxPage struct {
	Items []any
}

// OutboxDispatcher lists records in every registered collection for did,
// converts each to its Create activity, and returns up to limit newest.
func (e *Engine) OutboxDispatcher(ctx context.Context, did string, limit int) (OutboxPage, error) {
	type entry = struct {
		rkey   string
		record registry.Record
		conv   registry.Converter
	}
	var entries []entry
	for _, collection := range e.Registry.Collections() {
		conv, _ := e.Registry.Get(collection)
		page, err := e.PDS.ListRecords(ctx, did, collection, limit, false, "")
		if err != nil {
			slog.Warn("outbox list records failed", "did", did, "collection", collection, "error", err)
			continue
		}
		for _, r := range page.Records {
			var fp lexicon.FeedPost
			if err := jsonUnmarshal(r.Value, &fp); err != nil {
				continue
			}
			entries = append(entries, entry{rkey: aturi.Rkey(r.URI), record: registry.Record{URI: r.URI, CID: r.CID, Value: fp}, conv: conv})
		}
	}

	sortEntriesDesc(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := OutboxPage{}
	for _, en := range entries {
		result, err := en.conv.ToActivityPub(ctx, e, did, en.record, registry.Opts{BlobURLs: e.PDS})
		if err != nil || result == nil {
			continue
		}
		out.Items = append(out.Items, result.Activity)
	}
	return out, nil
}

func sortEntriesDesc(entries []struct {
	rkey   string
	record registry.Record
	conv   registry.Converter
}) {
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].rkey < entries[j].rkey {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// --- Outbound delivery -----------------------------------------------------

// DeliveryTarget is one explicit recipient: InboxID is used when set,
// otherwise the actor at ID is fetched for its inbox. Follower fan-out is
// requested through SendActivity's expandFollowers flag, not a target.
type DeliveryTarget struct {
	ID      string
	InboxID string
}

// FollowersTarget names the followers collection. SendActivity does not read
// it; follower expansion is selected by its expandFollowers argument.
const FollowersTarget = "followers"

// SendActivity signs activity with identifier's RSA key and fans it out to
// targets, bounded to e.Concurrency concurrent deliveries.
func (e *Engine) SendActivity(ctx context.Context, identifier string, targets []DeliveryTarget, expandFollowers bool, activity any) {
	kp, ok, err := e.Store.GetKeyPair(identifier, store.KeyPairRSA)
	if err != nil || !ok {
		slog.Warn("send activity: no rsa key pair", "identifier", identifier, "error", err)
		return
	}
	privKey, err := RSAPrivateKeyFromJWK(kp.PrivateKey)
	if err != nil {
		slog.Warn("send activity: parse private key", "identifier", identifier, "error", err)
		return
	}
	keyID := e.ActorURI(identifier) + "#main-key"

	inboxes := make(map[string]struct{})
	seenOrigin := make(map[string]struct{})
	addInbox := func(actorURI, inboxID string) {
		if inboxID != "" {
			inboxes[inboxID] = struct{}{}
			return
		}
		if actorURI == "" {
			return
		}
		actor, err := FetchActor(ctx, actorURI)
		if err != nil {
			slog.Debug("send activity: fetch actor failed", "actor", actorURI, "error", err)
			return
		}
		addActorInbox(actor, inboxes, seenOrigin)
	}

	if expandFollowers {
		cursor := ""
		for {
			page, err := e.Store.GetFollows(identifier, cursor, 100)
			if err != nil {
				slog.Warn("send activity: list followers failed", "identifier", identifier, "error", err)
				break
			}
			for _, f := range page.Follows {
				addInbox(f.ActorURI, f.ActorInbox)
			}
			if page.NextCursor == "" || len(page.Follows) == 0 {
				break
			}
			cursor = page.NextCursor
		}
	}
	for _, t := range targets {
		addInbox(t.ID, t.InboxID)
	}

	sem := make(chan struct{}, e.Concurrency)
	var wg sync.WaitGroup
	for inbox := range inboxes {
		sem <- struct{}{}
		wg.Add(1)
		go func(inbox string) {
			defer func() { <-sem; wg.Done() }()
			if err := DeliverActivity(ctx, inbox, activity, keyID, privKey); err != nil {
				slog.Warn("federation delivery failed", "inbox", inbox, "error", err)
			}
		}(inbox)
	}
	wg.Wait()
}

// addActorInbox records actor's inbox, preferring its shared inbox (used at
// most once per origin) so a server hosting many followed actors is only
// delivered to once per activity.
func addActorInbox(actor *apvocab.Actor, inboxes map[string]struct{}, seenOrigin map[string]struct{}) {
	if actor == nil {
		return
	}
	inbox := actor.Inbox
	if actor.Endpoints != nil && actor.Endpoints.SharedInbox != "" {
		origin := originOf(actor.Endpoints.SharedInbox)
		if _, already := seenOrigin[origin]; already {
			return
		}
		seenOrigin[origin] = struct{}{}
		inbox = actor.Endpoints.SharedInbox
	}
	if inbox != "" {
		inboxes[inbox] = struct{}{}
	}
}

func originOf(rawURL string) string {
	if idx := strings.Index(rawURL, "://"); idx != -1 {
		rest := rawURL[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash != -1 {
			return rawURL[:idx+3+slash]
		}
		return rawURL
	}
	return rawURL
}
