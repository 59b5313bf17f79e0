// Package firehose consumes the upstream PDS's com.atproto.sync.subscribeRepos
// WebSocket stream and mirrors create/delete commits on watched collections
// out to the Fediverse through the federation engine.
package firehose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/repo"
	"github.com/google/uuid"
	cbg "github.com/whyrusleeping/cbor-gen"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/aturi"
	"github.com/msonnb/fedisky/internal/federation"
	"github.com/msonnb/fedisky/internal/lexicon"
	"github.com/msonnb/fedisky/internal/registry"
	"github.com/msonnb/fedisky/internal/store"
)

// retryInterval is the flat reconnect delay after a dropped or failed
// connection. The upstream protocol gives no backpressure signal worth
// backing off for, so unlike a client reconnecting to a rate-limited API this
// stays constant rather than growing exponentially.
const retryInterval = 5 * time.Second

// watchedCollection is the only collection this bridge mirrors outward;
// graph follows and likes have no ActivityPub equivalent worth emitting.
const watchedCollection = "app.bsky.feed.post"

// cursorKey is the kv row firehoseCursor is persisted under, so a restart
// resumes from the last durably-processed sequence instead of the live tip.
const cursorKey = "firehoseCursor"

// Processor dials the firehose, decodes each commit frame, and converts
// watched-collection ops into outbound AP activities.
type Processor struct {
	URL       string
	BridgeDID string

	Engine *federation.Engine
	Store  *store.Store
}

// New constructs a Processor from the upstream firehose URL. Each connect
// resumes from the cursor persisted in the store when one exists (see
// resumeURL), otherwise from whatever cursor config.Config.FirehoseURL baked
// into url.
func New(url, bridgeDID string, engine *federation.Engine, st *store.Store) *Processor {
	return &Processor{URL: url, BridgeDID: bridgeDID, Engine: engine, Store: st}
}

// Run dials the firehose and processes frames until ctx is cancelled,
// reconnecting on any error after retryInterval.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.connect(ctx); err != nil {
			slog.Warn("firehose connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}

func (p *Processor) connect(ctx context.Context) error {
	dialURL := p.resumeURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, http.Header{})
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	slog.Info("firehose connected", "url", dialURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read firehose frame: %w", err)
		}
		if err := p.processFrame(ctx, msg); err != nil {
			slog.Warn("firehose frame processing failed", "error", err)
		}
	}
}

// resumeURL appends a cursor query parameter sourced from the last
// successfully processed sequence, if one is persisted, overriding whatever
// fixed cursor was baked into p.URL at startup.
func (p *Processor) resumeURL() string {
	seq, ok, err := p.Store.GetKV(cursorKey)
	if err != nil || !ok || seq == "" {
		return p.URL
	}
	base := p.URL
	if idx := strings.IndexByte(base, '?'); idx != -1 {
		base = base[:idx]
	}
	return fmt.Sprintf("%s?cursor=%s", base, seq)
}

func (p *Processor) processFrame(ctx context.Context, msg []byte) error {
	cr := cbg.NewCborReader(bytes.NewReader(msg))

	var header events.EventHeader
	if err := header.UnmarshalCBOR(cr); err != nil {
		return fmt.Errorf("decode frame header: %w", err)
	}

	switch header.MsgType {
	case "#commit":
		var commit comatproto.SyncSubscribeRepos_Commit
		if err := commit.UnmarshalCBOR(cr); err != nil {
			return fmt.Errorf("decode commit: %w", err)
		}
		p.handleCommit(ctx, &commit)
		if err := p.Store.SetKV(cursorKey, fmt.Sprintf("%d", commit.Seq)); err != nil {
			slog.Warn("persist firehose cursor failed", "seq", commit.Seq, "error", err)
		}
	case "#identity", "#account", "#sync", "#info":
		// No bridged behavior triggers on these frame types.
	default:
		slog.Debug("firehose: unhandled frame type", "msgType", header.MsgType)
	}
	return nil
}

func (p *Processor) handleCommit(ctx context.Context, commit *comatproto.SyncSubscribeRepos_Commit) {
	if commit.Repo == p.BridgeDID {
		// The bridge account's own writes are already the federated side of a
		// reply/mirror; feeding them back in would create an echo loop.
		return
	}
	if commit.TooBig {
		slog.Warn("firehose: commit too big, skipping", "repo", commit.Repo, "seq", commit.Seq)
		return
	}

	var rep *repo.Repo
	for _, op := range commit.Ops {
		if op.Action == "create" || op.Action == "update" {
			if rep == nil && len(commit.Blocks) > 0 {
				r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(commit.Blocks))
				if err != nil {
					slog.Warn("firehose: parse repo blocks failed", "repo", commit.Repo, "error", err)
					return
				}
				rep = r
			}
			break
		}
	}

	for _, op := range commit.Ops {
		collection, rkey, ok := splitPath(op.Path)
		if !ok || collection != watchedCollection {
			continue
		}
		atUri := aturi.Build(commit.Repo, collection, rkey)

		switch op.Action {
		case "create":
			if rep == nil || op.Cid == nil {
				continue
			}
			fp, err := decodeRecord(ctx, rep, cid.Cid(*op.Cid))
			if err != nil {
				slog.Warn("firehose: decode record failed", "uri", atUri, "error", err)
				continue
			}
			p.federateCreate(ctx, commit.Repo, atUri, fp)
		case "update":
			// Edits aren't mirrored: ActivityPub Update semantics vary enough
			// across implementations that in-place correction isn't attempted.
		case "delete":
			p.federateDelete(ctx, commit.Repo, atUri)
		}
	}
}

func (p *Processor) federateCreate(ctx context.Context, did, atUri string, fp lexicon.FeedPost) {
	conv, ok := p.Engine.Registry.Get(watchedCollection)
	if !ok {
		return
	}
	result, err := conv.ToActivityPub(ctx, p.Engine, did, registry.Record{URI: atUri, Value: fp}, registry.Opts{BlobURLs: p.Engine.PDS})
	if err != nil {
		slog.Warn("firehose: convert to activitypub failed", "uri", atUri, "error", err)
		return
	}
	if result == nil {
		return
	}
	p.Engine.SendActivity(ctx, did, nil, true, result.Activity)
}

func (p *Processor) federateDelete(ctx context.Context, did, atUri string) {
	apNoteId, mapped := p.Engine.GetAPNoteIDForPost(atUri)
	if !mapped {
		// Notes sent by federateCreate carry the object-dispatcher URI as
		// their id and have no post-mapping row.
		apNoteId = p.Engine.ObjectURI("Note", atUri)
	}
	federation.InvalidateCache(apNoteId)

	del := apvocab.Activity{
		Context: apvocab.DefaultContext,
		ID:      fmt.Sprintf("%s#delete-%s", apNoteId, uuid.NewString()),
		Type:    "Delete",
		Actor:   p.Engine.ActorURI(did),
		Object:  apNoteId,
	}
	p.Engine.SendActivity(ctx, did, nil, true, &del)

	if mapped {
		if err := p.Store.DeletePostMapping(atUri, apNoteId); err != nil {
			slog.Warn("firehose: delete post mapping failed", "uri", atUri, "error", err)
		}
	}
}

// decodeRecord resolves cid within rep's blockstore and decodes the raw
// DAG-CBOR block into a FeedPost via a JSON round trip — the same struct tags
// already used to read/write app.bsky.feed.post records over XRPC.
func decodeRecord(ctx context.Context, rep *repo.Repo, c cid.Cid) (lexicon.FeedPost, error) {
	blk, err := rep.Blockstore().Get(ctx, c)
	if err != nil {
		return lexicon.FeedPost{}, fmt.Errorf("fetch block %s: %w", c, err)
	}
	var generic map[string]any
	if err := cbornode.DecodeInto(blk.RawData(), &generic); err != nil {
		return lexicon.FeedPost{}, fmt.Errorf("decode dag-cbor: %w", err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return lexicon.FeedPost{}, fmt.Errorf("remarshal record: %w", err)
	}
	var fp lexicon.FeedPost
	if err := json.Unmarshal(raw, &fp); err != nil {
		return lexicon.FeedPost{}, fmt.Errorf("decode post record: %w", err)
	}
	return fp, nil
}

// splitPath splits a repo op's "collection/rkey" path.
func splitPath(path string) (collection, rkey string, ok bool) {
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+1:], true
}
