// Package replypoller discovers AT-Protocol replies to monitored local posts
// that were authored on a different PDS (so the local firehose never sees
// them), and re-publishes them as ActivityPub Creates to the parent author's
// Fediverse followers.
package replypoller

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/aturi"
	"github.com/msonnb/fedisky/internal/federation"
	"github.com/msonnb/fedisky/internal/lexicon"
	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/store"
)

const (
	backlinkSource = "app.bsky.feed.post:reply.parent.uri"
	backlinkLimit  = 100
	batchSize      = 50
	userAgent      = "fedisky/1.0 (+https://github.com/msonnb/fedisky)"
)

// BacklinkRecord is one record the backlink service reports as referencing a
// subject AT-URI.
type BacklinkRecord struct {
	DID        string `json:"did"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

type backlinksResponse struct {
	Total   int              `json:"total"`
	Records []BacklinkRecord `json:"records"`
	Cursor  string           `json:"cursor,omitempty"`
}

// BacklinkClient queries a blue.microcosm.links-compatible backlink service.
type BacklinkClient struct {
	BaseURL string
	http    *http.Client
}

// NewBacklinkClient constructs a BacklinkClient against baseURL.
func NewBacklinkClient(baseURL string) *BacklinkClient {
	return &BacklinkClient{BaseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

// GetBacklinks fetches up to backlinkLimit records whose reply.parent.uri
// points at subject.
func (c *BacklinkClient) GetBacklinks(ctx context.Context, subject string) ([]BacklinkRecord, error) {
	q := url.Values{}
	q.Set("subject", subject)
	q.Set("source", backlinkSource)
	q.Set("limit", fmt.Sprintf("%d", backlinkLimit))
	reqURL := fmt.Sprintf("%s/xrpc/blue.microcosm.links.getBacklinks?%s", c.BaseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create backlinks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch backlinks for %s: %w", subject, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backlinks for %s: HTTP %d", subject, resp.StatusCode)
	}

	var out backlinksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode backlinks response: %w", err)
	}
	return out.Records, nil
}

// Poller periodically checks monitored posts for new cross-PDS replies.
type Poller struct {
	Store    *store.Store
	AppView  *pdsclient.Client // unauthenticated client against the AppView host
	Backlink *BacklinkClient
	Engine   *federation.Engine
	Bridge   federation.Uploader

	Interval time.Duration
	// TriggerCh, if non-nil, triggers an immediate poll when sent to.
	TriggerCh <-chan struct{}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	slog.Info("reply poller started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.poll(ctx)

	trigCh := p.TriggerCh // nil channel blocks forever — safe to select on
	for {
		select {
		case <-ctx.Done():
			slog.Info("reply poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-trigCh:
			slog.Info("reply poll triggered manually")
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	batch, err := p.Store.GetMonitoredPostsBatch(batchSize)
	if err != nil {
		slog.Warn("reply poller: list monitored posts failed", "error", err)
		return
	}
	for _, m := range batch {
		p.processPost(ctx, m)
	}
}

// processPost queries the backlink service for one monitored post and
// processes each reply it reports. lastChecked is always stamped afterward,
// even if individual replies failed, so one bad reply never wedges the post.
func (p *Poller) processPost(ctx context.Context, m store.MonitoredPost) {
	defer func() {
		if err := p.Store.UpdateMonitoredPostLastChecked(m.AtURI); err != nil {
			slog.Warn("reply poller: update last checked failed", "uri", m.AtURI, "error", err)
		}
	}()

	records, err := p.Backlink.GetBacklinks(ctx, m.AtURI)
	if err != nil {
		slog.Warn("reply poller: backlink fetch failed", "uri", m.AtURI, "error", err)
		return
	}
	for _, r := range records {
		if err := p.processReply(ctx, m, r); err != nil {
			slog.Warn("reply poller: process reply failed", "parent", m.AtURI, "reply", r, "error", err)
		}
	}
}

func (p *Poller) processReply(ctx context.Context, parent store.MonitoredPost, r BacklinkRecord) error {
	replyAtUri := aturi.Build(r.DID, r.Collection, r.Rkey)

	if done, err := p.Store.HasExternalReply(replyAtUri); err != nil {
		return fmt.Errorf("check idempotency: %w", err)
	} else if done {
		return nil
	}

	if r.DID == p.Bridge.DID() {
		// The bridge account's own writes are already federated via their own path.
		return nil
	}
	if local, err := p.Engine.PDS.GetRecord(ctx, r.DID, "app.bsky.actor.profile", "self"); err == nil && local != nil {
		// Hosted on our own PDS: the firehose already bridges this account.
		return nil
	}

	record, err := p.AppView.GetRecord(ctx, r.DID, r.Collection, r.Rkey)
	if err != nil {
		return fmt.Errorf("fetch reply record: %w", err)
	}
	if record == nil {
		return nil
	}
	var fp lexicon.FeedPost
	if err := json.Unmarshal(record.Value, &fp); err != nil {
		return fmt.Errorf("decode reply record: %w", err)
	}

	handle := r.DID
	if profile, err := p.AppView.GetProfile(ctx, r.DID); err == nil && profile != nil && profile.Handle != "" {
		handle = profile.Handle
	}

	note := buildExternalReplyNote(p.Engine, p.Bridge.DID(), parent, r.DID, r.Rkey, handle, fp.Text)
	create := wrapCreate(note)

	p.Engine.SendActivity(ctx, parent.AuthorDID, nil, true, create)

	return p.Store.CreateExternalReply(store.ExternalReply{
		AtURI:       replyAtUri,
		ParentAtURI: parent.AtURI,
		AuthorDID:   r.DID,
		APNoteID:    note.ID,
	})
}

// buildExternalReplyNote synthesizes a Note attributed to the bridge actor
// quoting the external reply, threaded onto the monitored parent post.
func buildExternalReplyNote(e *federation.Engine, bridgeDID string, parent store.MonitoredPost, authorDID, authorRkey, authorHandle, text string) apvocab.Note {
	bridgeActorURI := e.ActorURI(bridgeDID)
	parentObjectURI := e.ObjectURI("Note", parent.AtURI)
	parentFollowersURI := e.FollowersURI(parent.AuthorDID)

	content := fmt.Sprintf(`<p><a href="https://bsky.app/profile/%s">@%s</a> replied:</p><p>%s</p>`,
		url.PathEscape(authorDID), html.EscapeString(authorHandle), html.EscapeString(text))

	return apvocab.Note{
		ID:           fmt.Sprintf("%s#external-reply-%s-%s", parentObjectURI, authorDID, authorRkey),
		Type:         "Note",
		AttributedTo: bridgeActorURI,
		Content:      content,
		Published:    time.Now().UTC().Format(time.RFC3339),
		To:           apvocab.StringOrArray{apvocab.PublicURI},
		CC:           apvocab.StringOrArray{parentFollowersURI},
		InReplyTo:    parentObjectURI,
	}
}

func wrapCreate(note apvocab.Note) *apvocab.Activity {
	return &apvocab.Activity{
		Context:   apvocab.DefaultContext,
		ID:        note.ID + "#activity",
		Type:      "Create",
		Actor:     note.AttributedTo,
		Object:    note,
		To:        note.To,
		CC:        note.CC,
		Published: note.Published,
	}
}
