package registry

import (
	"context"
	"fmt"

	"github.com/msonnb/fedisky/internal/aturi"
	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/lexicon"
	"github.com/msonnb/fedisky/internal/richtext"
)

const maxRecordTextBytes = 3000

// PostConverter is the sole populated converter: app.bsky.feed.post ↔ Note.
type PostConverter struct{}

func (PostConverter) Collection() string { return "app.bsky.feed.post" }

// ToActivityPub converts a fetched app.bsky.feed.post record into an
// ActivityPub Note wrapped in a Create activity.
func (PostConverter) ToActivityPub(ctx context.Context, fedCtx FedContext, identifier string, record Record, opts Opts) (*ToActivityPubResult, error) {
	apUri := fedCtx.ObjectURI("Note", record.URI)
	actor := fedCtx.ActorURI(identifier)
	followers := fedCtx.FollowersURI(identifier)

	note := apvocab.Note{
		ID:           apUri,
		Type:         "Note",
		AttributedTo: actor,
		Published:    record.Value.CreatedAt,
		To:           apvocab.StringOrArray{apvocab.PublicURI},
		CC:           apvocab.StringOrArray{followers},
	}

	// Step 2: reply-target identity preservation. If the parent was itself
	// bridged from an external origin, point at its original AP note id
	// rather than a freshly-minted local URI, so remote reply chains don't
	// fork into two identities for the same post.
	if record.Value.Reply != nil && record.Value.Reply.Parent.URI != "" {
		if mapped, ok := fedCtx.GetAPNoteIDForPost(record.Value.Reply.Parent.URI); ok {
			note.InReplyTo = mapped
		} else {
			note.InReplyTo = fedCtx.ObjectURI("Note", record.Value.Reply.Parent.URI)
		}
	}

	// Step 3: content + per-language variants.
	note.Content = richtext.ToHTML(record.Value.Text)
	if len(record.Value.Langs) > 0 {
		note.ContentMap = make(map[string]string, len(record.Value.Langs))
		for _, lang := range record.Value.Langs {
			note.ContentMap[lang] = note.Content
		}
	}

	// Step 5: attachments from embed.
	if record.Value.Embed != nil && opts.BlobURLs != nil {
		switch record.Value.Embed.Type {
		case lexicon.EmbedImagesType:
			for _, img := range record.Value.Embed.Images {
				note.Attachment = append(note.Attachment, apvocab.Attachment{
					Type:      "Document",
					MediaType: img.Image.MimeType,
					URL:       opts.BlobURLs.GetBlobURL(identifier, img.Image.Ref.Link),
					Name:      img.Alt,
				})
			}
		case lexicon.EmbedVideoType:
			v := record.Value.Embed.Video
			if v != nil {
				note.Attachment = append(note.Attachment, apvocab.Attachment{
					Type:      "Document",
					MediaType: v.Video.MimeType,
					URL:       opts.BlobURLs.GetBlobURL(identifier, v.Video.Ref.Link),
					Name:      v.Alt,
				})
			}
		}
	}

	// Step 6: empty replies/shares/likes collections.
	note.Replies = &apvocab.OrderedCollection{ID: apUri + "/replies", Type: "OrderedCollection", TotalItems: 0}
	note.Shares = &apvocab.OrderedCollection{ID: apUri + "/shares", Type: "OrderedCollection", TotalItems: 0}
	note.Likes = &apvocab.OrderedCollection{ID: apUri + "/likes", Type: "OrderedCollection", TotalItems: 0}

	// Step 7: wrap in a Create.
	rkey := aturi.Rkey(record.URI)
	create := apvocab.Activity{
		Context:   apvocab.DefaultContext,
		ID:        apUri + "#activity",
		Type:      "Create",
		Actor:     actor,
		Object:    note,
		To:        note.To,
		CC:        note.CC,
		Published: record.Value.CreatedAt,
		URL:       fmt.Sprintf("https://bsky.app/profile/%s/post/%s", identifier, rkey),
	}

	return &ToActivityPubResult{Object: note, Activity: create}, nil
}

// ToRecord converts an inbound ActivityPub Note into an app.bsky.feed.post
// record ready to create on a repo.
func (PostConverter) ToRecord(ctx context.Context, fedCtx FedContext, identifier string, note apvocab.Note, opts Opts) (*Record, error) {
	// Step 1: reject Notes with no content.
	if note.Content == "" {
		return nil, nil
	}

	// Step 2: extract language, then parse HTML into plain text + facets.
	htmlText, lang := richtext.ExtractLanguage(note.Content, firstContentMapLang(note.ContentMap))
	parsed, err := richtext.Parse(htmlText, lang)
	if err != nil {
		return nil, fmt.Errorf("parse note content: %w", err)
	}

	// Step 3: truncate to 3000 UTF-8 bytes.
	text := parsed.Text
	if len(text) > maxRecordTextBytes {
		kept := text[:maxRecordTextBytes]
		if len(kept) >= 3 {
			kept = kept[:len(kept)-3] + "..."
		}
		text = kept
	}

	value := lexicon.FeedPost{
		Type:      "app.bsky.feed.post",
		Text:      text,
		CreatedAt: note.Published,
	}
	if len(parsed.Langs) > 0 {
		value.Langs = parsed.Langs
	}
	for _, f := range parsed.Facets {
		value.Facets = append(value.Facets, lexicon.Facet{
			Index:    lexicon.ByteSlice{ByteStart: f.ByteStart, ByteEnd: f.ByteEnd},
			Features: []lexicon.FacetFeature{{Type: lexicon.FacetLinkType, URI: f.URI}},
		})
	}

	// Step 4: download + re-upload attachments into an embed.
	if opts.Download != nil && opts.Upload != nil && len(note.Attachment) > 0 {
		reqs := make([]DownloadRequest, 0, len(note.Attachment))
		for _, a := range note.Attachment {
			reqs = append(reqs, DownloadRequest{URL: a.URL, MimeType: a.MediaType, Alt: a.Name})
		}
		downloaded := opts.Download.Download(ctx, reqs)
		if len(downloaded) > 0 {
			embed, err := buildEmbed(ctx, downloaded, opts.Upload)
			if err != nil {
				return nil, fmt.Errorf("build embed: %w", err)
			}
			value.Embed = embed
		}
	}

	// Step 5: reply ref, if replyTarget resolves to a bridged AT-URI.
	// Known ambiguity (see DESIGN.md): root is hard-coded equal to parent,
	// which is incorrect for nested reply chains — the original record's
	// reply.root should be looked up from the parent record instead. This
	// limitation is preserved rather than silently "fixed" with a guess.
	if note.InReplyTo != "" {
		if parentAtUri, ok := parentATURIFromObjectPath(note.InReplyTo, fedCtx); ok {
			// Known ambiguity (see DESIGN.md): cid is left empty when the
			// parent's CID is unknown to this converter; some AT-Protocol
			// lexicon validators reject an empty cid. Kept relaxed here
			// rather than blocking on a synchronous CID-resolution fetch.
			ref := lexicon.Ref{URI: parentAtUri, CID: ""}
			value.Reply = &lexicon.Reply{Parent: ref, Root: ref}
		}
	}

	// Step 6: rkey + URI. CID computation (CBOR-encoding the record) is the
	// PDS's responsibility on createRecord; this converter only mints the
	// URI the record will live at.
	rkey := aturi.NewTID()
	return &Record{URI: aturi.Build(identifier, "app.bsky.feed.post", rkey), Value: value}, nil
}

func firstContentMapLang(m map[string]string) string {
	for k := range m {
		return k
	}
	return ""
}

// parentATURIFromObjectPath extracts the AT-URI from an object dispatcher
// path of the form ".../posts/{at://...}" , resolving it back through the
// post-mapping table first so a reply to a re-federated post still points at
// the original AT-URI.
func parentATURIFromObjectPath(objectID string, fedCtx FedContext) (string, bool) {
	if atUri, ok := fedCtx.GetPostForAPNoteID(objectID); ok {
		return atUri, true
	}
	const marker = "/posts/"
	idx := indexOf(objectID, marker)
	if idx < 0 {
		return "", false
	}
	candidate := objectID[idx+len(marker):]
	if _, _, _, ok := aturi.Parse(candidate); !ok {
		return "", false
	}
	return candidate, true
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func buildEmbed(ctx context.Context, downloaded []DownloadedAttachment, uploader Uploader) (*lexicon.Embed, error) {
	// Images preferred if any exist; otherwise the first (only) video.
	var images []lexicon.EmbedImage
	for i, d := range downloaded {
		if i >= 4 {
			break
		}
		ref, err := uploader.UploadBlob(ctx, d.Data, d.MimeType)
		if err != nil {
			continue
		}
		images = append(images, lexicon.EmbedImage{
			Image: lexicon.BlobRef{Type: "blob", Ref: lexicon.CIDLink{Link: ref.Ref.Link}, MimeType: ref.MimeType, Size: ref.Size},
			Alt:   d.Alt,
		})
	}
	if len(images) > 0 {
		return &lexicon.Embed{Type: lexicon.EmbedImagesType, Images: images}, nil
	}
	if len(downloaded) > 0 {
		d := downloaded[0]
		ref, err := uploader.UploadBlob(ctx, d.Data, d.MimeType)
		if err != nil {
			return nil, nil
		}
		return &lexicon.Embed{Type: lexicon.EmbedVideoType, Video: &lexicon.EmbedVideo{
			Video: lexicon.BlobRef{Type: "blob", Ref: lexicon.CIDLink{Link: ref.Ref.Link}, MimeType: ref.MimeType, Size: ref.Size},
			Alt:   d.Alt,
		}}, nil
	}
	return nil, nil
}
