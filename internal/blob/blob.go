// Package blob mediates downloading remote media (for inbound AP Notes) under
// a size cap, and declares the Uploader/BlobRef shapes for handing the bytes
// to the PDS. The Mediator itself does not upload.
package blob

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
)

const userAgent = "fedisky/0.1 (+ActivityPub<->AT-Protocol bridge)"

// DefaultMaxBytes is the hard ceiling on a single blob download.
const DefaultMaxBytes = 10 * 1024 * 1024

// Attachment is a downloaded remote media item, ready to be uploaded to the
// PDS as an embed.
type Attachment struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Alt      string
}

// Uploader uploads raw bytes to the PDS and returns a blob reference.
// pdsclient.Client does not satisfy it directly: its UploadBlob returns a
// pdsclient.BlobRef, not this package's BlobRef.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (BlobRef, error)
}

// BlobRef is a content-addressed pointer to binary stored by the PDS.
type BlobRef struct {
	CID      string
	MimeType string
	Size     int64
}

// SourceAttachment describes one remote media item to fetch, as extracted
// from an inbound AP Note's attachments.
type SourceAttachment struct {
	URL      string
	MimeType string
	Width    int
	Height   int
	Alt      string
}

// Mediator downloads remote media with a size cap. It applies no MIME-type
// filter and does not upload.
type Mediator struct {
	HTTPClient *http.Client
	MaxBytes   int64
}

// New constructs a Mediator with sane defaults.
func New(httpClient *http.Client, maxBytes int64) *Mediator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Mediator{HTTPClient: httpClient, MaxBytes: maxBytes}
}

// Download fetches each attachment sequentially (small N per note; parallel
// fetch isn't worth the complexity here). A non-2xx response or an oversize
// body produces a skipped entry — never an error — so one bad attachment
// doesn't fail the whole note.
func (m *Mediator) Download(ctx context.Context, attachments []SourceAttachment) []Attachment {
	out := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		att, ok := m.downloadOne(ctx, a)
		if !ok {
			continue
		}
		out = append(out, att)
	}
	return out
}

func (m *Mediator) downloadOne(ctx context.Context, src SourceAttachment) (Attachment, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Attachment{}, false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return Attachment{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Attachment{}, false
	}

	if resp.ContentLength > 0 && resp.ContentLength > m.MaxBytes {
		slog.Warn("blob: skipping oversize attachment", "url", src.URL,
			"size", HumanSize(resp.ContentLength), "max", HumanSize(m.MaxBytes))
		return Attachment{}, false
	}

	// Enforce the cap on the fly too, in case Content-Length was absent or
	// understated: read one byte beyond the cap to detect overflow.
	limited := io.LimitReader(resp.Body, m.MaxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Attachment{}, false
	}
	if int64(len(data)) > m.MaxBytes {
		slog.Warn("blob: skipping oversize attachment", "url", src.URL,
			"max", HumanSize(m.MaxBytes))
		return Attachment{}, false
	}

	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}

	return Attachment{
		Data:     data,
		MimeType: mimeType,
		Width:    src.Width,
		Height:   src.Height,
		Alt:      src.Alt,
	}, true
}

// HumanSize is a small logging helper so oversize-blob warnings read
// naturally ("14 MB exceeds the 10 MB cap") rather than printing raw byte
// counts.
func HumanSize(n int64) string {
	return humanize.Bytes(uint64(n))
}
