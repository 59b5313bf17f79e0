// Package pdsclient is a typed HTTP client against the AT-Protocol XRPC
// surface exposed by a Personal Data Server: records, accounts, sessions,
// and blobs.
package pdsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
)

// Error kinds. 404s never surface as an error value — callers get (nil, nil).
var (
	ErrUnauthorized  = errors.New("pdsclient: unauthorized")
	ErrForbidden     = errors.New("pdsclient: forbidden")
	ErrBadRequest    = errors.New("pdsclient: bad request")
	ErrConflict      = errors.New("pdsclient: conflict")
	ErrTooLarge      = errors.New("pdsclient: payload too large")
	ErrRateLimited   = errors.New("pdsclient: rate limited")
	ErrTransient     = errors.New("pdsclient: transient network error")
	errAuthExhausted = errors.New("pdsclient: refresh attempted and still unauthorized")
)

// Record is a fetched or listed repository record.
type Record struct {
	URI   string
	CID   string
	Value json.RawMessage
}

// Account is the subset of account/profile fields the bridge needs.
type Account struct {
	DID    string
	Handle string
}

// BlobRef is a content-addressed pointer to binary stored by the PDS.
type BlobRef struct {
	CID      string
	MimeType string
	Size     int64
}

// Session is the bearer-token pair plus identity returned by session
// creation/refresh.
type Session struct {
	AccessJWT  string
	RefreshJWT string
	DID        string
	Handle     string
}

// Client is a typed wrapper around an indigo xrpc.Client for one PDS host.
// A Client is either unauthenticated (read-only surface: getRecord,
// listRecords, getAccount, resolveHandle) or authenticated on behalf of one
// repo (adds createRecord/uploadBlob), set via Authenticate.
type Client struct {
	host string
	xc   *xrpc.Client

	mu      sync.Mutex
	session *Session

	reauth sync.Mutex // single-flights refresh across concurrent 401s

	rateLimitRemaining int
	rateLimitReset     time.Time
}

// New constructs a Client against the given PDS host (e.g. "https://bsky.social").
func New(host string) *Client {
	return &Client{
		host: host,
		xc: &xrpc.Client{
			Host:   host,
			Client: &http.Client{Timeout: 30 * time.Second},
		},
	}
}

// DID returns the authenticated repo's DID, if a session has been established.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// HostURL returns the PDS base URL this client talks to.
func (c *Client) HostURL() string { return c.host }

// Authenticate creates a new session for identifier/password and caches the
// returned tokens.
func (c *Client) Authenticate(ctx context.Context, identifier, password string) error {
	out, err := comatproto.ServerCreateSession(ctx, c.xc, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return wrapAPIError(err)
	}
	c.mu.Lock()
	c.session = &Session{AccessJWT: out.AccessJwt, RefreshJWT: out.RefreshJwt, DID: out.Did, Handle: out.Handle}
	c.xc.Auth = &xrpc.AuthInfo{AccessJwt: out.AccessJwt, RefreshJwt: out.RefreshJwt, Did: out.Did, Handle: out.Handle}
	c.mu.Unlock()
	return nil
}

// RestoreSession installs a previously persisted session (e.g. loaded from
// the Store's BridgeAccount row) without calling createSession again.
func (c *Client) RestoreSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := s
	c.session = &sess
	c.xc.Auth = &xrpc.AuthInfo{AccessJwt: s.AccessJWT, RefreshJwt: s.RefreshJWT, Did: s.DID, Handle: s.Handle}
}

// CurrentSession returns a copy of the current session, if authenticated.
func (c *Client) CurrentSession() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// refreshSession rotates the access/refresh token pair. Single-flighted: if
// another goroutine is already refreshing with the same stale token, this
// call waits for it and then re-checks whether the token has already moved
// on, avoiding a redundant refresh request (the thundering-herd case of many
// concurrent 401s).
func (c *Client) refreshSession(ctx context.Context, staleAccessJwt string) error {
	c.reauth.Lock()
	defer c.reauth.Unlock()

	c.mu.Lock()
	current := c.session
	c.mu.Unlock()
	if current == nil {
		return fmt.Errorf("pdsclient: no session to refresh")
	}
	if current.AccessJWT != staleAccessJwt {
		// Someone else already refreshed while we waited for the lock.
		return nil
	}

	refreshClient := &xrpc.Client{
		Host:   c.host,
		Client: c.xc.Client,
		Auth:   &xrpc.AuthInfo{AccessJwt: current.RefreshJWT, RefreshJwt: current.RefreshJWT, Did: current.DID},
	}
	out, err := comatproto.ServerRefreshSession(ctx, refreshClient)
	if err != nil {
		return wrapAPIError(err)
	}

	c.mu.Lock()
	c.session.AccessJWT = out.AccessJwt
	c.session.RefreshJWT = out.RefreshJwt
	c.xc.Auth = &xrpc.AuthInfo{AccessJwt: out.AccessJwt, RefreshJwt: out.RefreshJwt, Did: out.Did, Handle: c.session.Handle}
	c.mu.Unlock()
	return nil
}

// withReauth runs fn; on ErrUnauthorized it refreshes once and retries fn
// exactly once more. A second 401 is a configuration fault, not a transient
// condition — callers should mark the bridge account unavailable until restart.
func (c *Client) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.mu.Lock()
	staleJwt := ""
	if c.session != nil {
		staleJwt = c.session.AccessJWT
	}
	c.mu.Unlock()

	if refreshErr := c.refreshSession(ctx, staleJwt); refreshErr != nil {
		return errAuthExhausted
	}
	if err := fn(); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return errAuthExhausted
		}
		return err
	}
	return nil
}

// GetRecord fetches one record; a 404 is reported as (nil, nil), never
// an error.
func (c *Client) GetRecord(ctx context.Context, repo, collection, rkey string) (*Record, error) {
	out, err := comatproto.RepoGetRecord(ctx, c.xc, "", collection, repo, rkey)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, wrapAPIError(err)
	}
	raw, err := json.Marshal(out.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal record value: %w", err)
	}
	cid := ""
	if out.Cid != nil {
		cid = *out.Cid
	}
	return &Record{URI: out.Uri, CID: cid, Value: raw}, nil
}

// ListRecordsPage is one page of a listRecords call.
type ListRecordsPage struct {
	Records []Record
	Cursor  string
}

// ListRecords lists records in collection for repo, newest-first when
// reverse is false.
func (c *Client) ListRecords(ctx context.Context, repo, collection string, limit int, reverse bool, cursor string) (ListRecordsPage, error) {
	out, err := comatproto.RepoListRecords(ctx, c.xc, collection, cursor, int64(limit), repo, reverse)
	if err != nil {
		return ListRecordsPage{}, wrapAPIError(err)
	}
	page := ListRecordsPage{Cursor: out.Cursor}
	for _, r := range out.Records {
		raw, err := json.Marshal(r.Value)
		if err != nil {
			continue
		}
		cid := ""
		if r.Cid != "" {
			cid = r.Cid
		}
		page.Records = append(page.Records, Record{URI: r.Uri, CID: cid, Value: raw})
	}
	return page, nil
}

// GetAccount resolves an account by DID or handle. A handle is resolved to a
// DID, and a handle that does not resolve returns (nil, nil). A DID is
// returned as-is without any lookup, so an unknown DID still yields an
// Account, with Handle set to the DID.
func (c *Client) GetAccount(ctx context.Context, didOrHandle string) (*Account, error) {
	did := didOrHandle
	if !isDID(didOrHandle) {
		resolved, err := c.ResolveHandle(ctx, didOrHandle)
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			return nil, nil
		}
		did = resolved
	}
	return &Account{DID: did, Handle: didOrHandle}, nil
}

// ResolveHandle resolves a handle to a DID. An unresolvable handle returns
// ("", nil), never an error.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	out, err := comatproto.IdentityResolveHandle(ctx, c.xc, handle)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", wrapAPIError(err)
	}
	return out.Did, nil
}

// CreateRecord creates record in collection on repo, authenticated as the
// client's current session. 401 triggers one refresh-and-retry.
func (c *Client) CreateRecord(ctx context.Context, repo, collection string, record any) (uri, cidOut string, err error) {
	err = c.withReauth(ctx, func() error {
		out, err := comatproto.RepoCreateRecord(ctx, c.xc, &comatproto.RepoCreateRecord_Input{
			Repo:       repo,
			Collection: collection,
			Record:     &util.LexiconTypeDecoder{Val: record},
		})
		if err != nil {
			return wrapAPIError(err)
		}
		uri = out.Uri
		if out.Cid != "" {
			cidOut = out.Cid
		}
		return nil
	})
	return uri, cidOut, err
}

// DeleteRecord deletes one record from repo's collection by rkey.
func (c *Client) DeleteRecord(ctx context.Context, repo, collection, rkey string) error {
	return c.withReauth(ctx, func() error {
		_, err := comatproto.RepoDeleteRecord(ctx, c.xc, &comatproto.RepoDeleteRecord_Input{
			Repo:       repo,
			Collection: collection,
			Rkey:       rkey,
		})
		if err != nil {
			return wrapAPIError(err)
		}
		return nil
	})
}

// UploadBlob uploads raw bytes and returns a content-addressed ref.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (BlobRef, error) {
	var ref BlobRef
	err := c.withReauth(ctx, func() error {
		out, err := comatproto.RepoUploadBlob(ctx, c.xc, bytes.NewReader(data))
		if err != nil {
			return wrapAPIError(err)
		}
		ref = BlobRef{CID: out.Blob.Ref.String(), MimeType: out.Blob.MimeType, Size: out.Blob.Size}
		return nil
	})
	return ref, err
}

// Profile is the subset of an actor's app.bsky.actor.getProfile response this
// bridge needs to attribute an externally-discovered reply.
type Profile struct {
	DID         string
	Handle      string
	DisplayName string
}

// GetProfile fetches an actor's public profile from an AppView-class host
// (unauthenticated read). A not-found actor returns (nil, nil).
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	out, err := appbsky.ActorGetProfile(ctx, c.xc, actor)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, wrapAPIError(err)
	}
	displayName := ""
	if out.DisplayName != nil {
		displayName = *out.DisplayName
	}
	return &Profile{DID: out.Did, Handle: out.Handle, DisplayName: displayName}, nil
}

// GetBlobURL synthesizes the public URL for a blob — pure string
// construction, no I/O.
func (c *Client) GetBlobURL(did, cid string) string {
	v := url.Values{}
	v.Set("did", did)
	v.Set("cid", cid)
	return fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?%s", c.host, v.Encode())
}

func isDID(s string) bool {
	return len(s) > 4 && s[:4] == "did:"
}

func isNotFound(err error) bool {
	var xerr *xrpc.Error
	if errors.As(err, &xerr) {
		return xerr.StatusCode == http.StatusNotFound
	}
	return false
}

// wrapAPIError maps an indigo xrpc error's HTTP status code to one of the
// package's typed sentinels: transient network errors, non-retryable 4xx
// classes, and 404s (handled by callers before this is reached, as a null
// result rather than an error).
func wrapAPIError(err error) error {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch xerr.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %v", ErrTooLarge, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case 0, 500, 502, 503, 504:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return fmt.Errorf("pdsclient: unexpected status %d: %w", xerr.StatusCode, err)
	}
}

// LogAuthFault is called by callers (bridge account manager) when
// withReauth exhausts its single retry, per §7: a second 401 is a
// configuration fault, not transient.
func LogAuthFault(identifier string) {
	slog.Error("pds auth exhausted: second 401 after refresh, marking unavailable", "identifier", identifier)
}

// IsAuthExhausted reports whether err is the sentinel returned when, after a
// 401, either the session refresh failed or the retry still came back
// unauthorized.
func IsAuthExhausted(err error) bool { return errors.Is(err, errAuthExhausted) }
