// Package registry is the collection-keyed bidirectional converter between
// AT-Protocol records and ActivityPub objects/activities. Only
// app.bsky.feed.post is populated; new collections register at startup only.
package registry

import (
	"context"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/lexicon"
)

// FedContext supplies the URI-construction and post-mapping lookups a
// converter needs without depending on the federation engine package
// directly (avoids an import cycle between registry and federation).
type FedContext interface {
	ObjectURI(kind, atUri string) string
	ActorURI(identifier string) string
	FollowersURI(identifier string) string
	GetAPNoteIDForPost(atUri string) (string, bool)
	GetPostForAPNoteID(apNoteId string) (string, bool)
}

// BlobURLer synthesizes the public URL for an already-uploaded blob.
type BlobURLer interface {
	GetBlobURL(did, cid string) string
}

// Uploader uploads downloaded attachment bytes and returns a blob ref usable
// in an embed.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (lexicon.BlobRef, error)
}

// Downloader fetches remote attachment URLs found on an inbound Note.
type Downloader interface {
	Download(ctx context.Context, urls []DownloadRequest) []DownloadedAttachment
}

// DownloadRequest is one attachment to fetch.
type DownloadRequest struct {
	URL      string
	MimeType string
	Alt      string
}

// DownloadedAttachment is the result of a successful fetch.
type DownloadedAttachment struct {
	Data     []byte
	MimeType string
	Alt      string
}

// Opts bundles the optional collaborators a converter may need. Both
// directions work with Opts entirely zero-valued; BlobURLs, Upload and
// Download are used only for attachments, which are skipped when the
// collaborator they need is nil.
type Opts struct {
	BlobURLs BlobURLer
	Upload   Uploader
	Download Downloader
}

// ToActivityPubResult is what toActivityPub produces for one record.
type ToActivityPubResult struct {
	Object   any // the bare object (a Note, etc.) — used by the object dispatcher
	Activity any // the object wrapped in a Create — used by the outbox/firehose paths
}

// Record is the minimal view of a fetched AT-Protocol record a converter
// needs: its identity plus the raw lexicon value.
type Record struct {
	URI   string
	CID   string
	Value lexicon.FeedPost
}

// Converter is a bidirectional converter for one collection.
type Converter interface {
	Collection() string
	ToActivityPub(ctx context.Context, fedCtx FedContext, identifier string, record Record, opts Opts) (*ToActivityPubResult, error)
	ToRecord(ctx context.Context, fedCtx FedContext, identifier string, note apvocab.Note, opts Opts) (*Record, error)
}

// Registry maps a collection NSID to its converter.
type Registry struct {
	converters map[string]Converter
}

// New constructs a Registry with the given converters registered by their
// own Collection().
func New(converters ...Converter) *Registry {
	r := &Registry{converters: make(map[string]Converter, len(converters))}
	for _, c := range converters {
		r.converters[c.Collection()] = c
	}
	return r
}

// Get returns the converter for collection, if one is registered.
func (r *Registry) Get(collection string) (Converter, bool) {
	c, ok := r.converters[collection]
	return c, ok
}

// Collections returns every registered collection NSID.
func (r *Registry) Collections() []string {
	out := make([]string, 0, len(r.converters))
	for k := range r.converters {
		out = append(out, k)
	}
	return out
}
