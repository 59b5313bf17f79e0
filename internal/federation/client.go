package federation

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/msonnb/fedisky/internal/apvocab"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone —
// typically the actor or object has been deleted.
var ErrGone = errors.New("federation: resource gone (410)")

// ErrActorGone is returned by VerifySignature when the signing actor's key
// URL responds with 410. Callers decide whether the activity type (only
// "Delete") permits accepting it unsigned.
var ErrActorGone = errors.New("federation: signing actor is gone (410)")

var httpClient = &http.Client{Timeout: 10 * time.Second}

var (
	objectCacheTTL           = time.Hour
	objectCacheSweepInterval = 10 * time.Minute
)

// SetObjectCacheTTL overrides the TTL used for the AP object cache and the
// WebFinger handle cache. Call once at startup, before any concurrent use.
func SetObjectCacheTTL(d time.Duration) {
	if d > 0 {
		objectCacheTTL = d
	}
}

type cacheEntry struct {
	obj     map[string]any
	expires time.Time
}

var objectCache sync.Map // url → cacheEntry

type wfCacheEntry struct {
	actorURL string
	expires  time.Time
}

var wfCache sync.Map // lowercased handle → wfCacheEntry

func init() {
	go func() {
		ticker := time.NewTicker(objectCacheSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			objectCache.Range(func(k, v any) bool {
				if now.After(v.(cacheEntry).expires) {
					objectCache.Delete(k)
				}
				return true
			})
			wfCache.Range(func(k, v any) bool {
				if now.After(v.(wfCacheEntry).expires) {
					wfCache.Delete(k)
				}
				return true
			})
		}
	}()
}

const userAgent = "fedisky/1.0 (+https://github.com/msonnb/fedisky)"

// FetchObject fetches a remote ActivityPub object as a raw map, caching
// results for objectCacheTTL.
func FetchObject(ctx context.Context, rawURL string) (map[string]any, error) {
	if cached, ok := objectCache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		objectCache.Delete(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var obj map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, err)
	}

	objectCache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(objectCacheTTL)})
	return obj, nil
}

// FetchActor fetches and parses a remote AP Actor.
func FetchActor(ctx context.Context, actorURL string) (*apvocab.Actor, error) {
	obj, err := FetchObject(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("remarshal actor: %w", err)
	}
	var actor apvocab.Actor
	if err := json.Unmarshal(raw, &actor); err != nil {
		return nil, fmt.Errorf("decode actor: %w", err)
	}
	return &actor, nil
}

// InvalidateCache removes a URL from the object cache — used after Delete
// activities so a re-fetch doesn't serve stale content.
func InvalidateCache(rawURL string) {
	objectCache.Delete(rawURL)
}

// sharedInbox is carried on the raw actor map's endpoints.sharedInbox, which
// apvocab.Actor doesn't model directly (only the dispatcher-owned local
// actors need full fidelity); look it up from the raw fetch instead.
func sharedInbox(ctx context.Context, actorURL string) (string, error) {
	obj, err := FetchObject(ctx, actorURL)
	if err != nil {
		return "", err
	}
	ep, ok := obj["endpoints"].(map[string]any)
	if !ok {
		return "", nil
	}
	si, _ := ep["sharedInbox"].(string)
	return si, nil
}

// WebFingerResolve resolves a Fediverse handle ("alice@mastodon.social") to
// an AP actor URL via WebFinger, caching results for objectCacheTTL.
func WebFingerResolve(ctx context.Context, handle string) (string, error) {
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid handle %q: expected user@domain", handle)
	}
	domain := parts[1]

	cacheKey := strings.ToLower(handle)
	if cached, ok := wfCache.Load(cacheKey); ok {
		entry := cached.(wfCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actorURL, nil
		}
		wfCache.Delete(cacheKey)
	}

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf apvocab.WebFingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("webfinger decode: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && isAPMediaType(link.Type) {
			wfCache.Store(cacheKey, wfCacheEntry{actorURL: link.Href, expires: time.Now().Add(objectCacheTTL)})
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no ActivityPub actor link found for %s", handle)
}

// DeliverActivity POSTs activity to a remote inbox, HTTP-signed with keyID/privKey.
func DeliverActivity(ctx context.Context, inbox string, activity any, keyID string, privKey *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}

	slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// maxDateSkew bounds how stale a signed request's Date header may be before
// it's rejected as a possible replay, matching Mastodon's own window.
const maxDateSkew = 30 * time.Second

// VerifyDigest checks the Digest header (if present) against the SHA-256 of
// body. Absent headers and unknown algorithms are accepted for
// forward-compatibility; only a present-but-mismatched SHA-256 digest fails.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return fmt.Errorf("digest mismatch: body SHA-256=%s, header claims SHA-256=%s", got, want)
	}
	return nil
}

// VerifySignature verifies an incoming HTTP signature against the signing
// actor's published public key, returning the keyID on success.
func VerifySignature(req *http.Request) (string, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", fmt.Errorf("missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", fmt.Errorf("invalid Date header %q: %w", dateStr, err)
	}
	if skew := time.Since(reqTime); skew > maxDateSkew || skew < -maxDateSkew {
		return "", fmt.Errorf("Date header too skewed (%v, allowed ±%v)", skew.Round(time.Second), maxDateSkew)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}
	keyID := verifier.KeyId()

	actorURL := strings.Split(keyID, "#")[0]
	actor, err := FetchActor(req.Context(), actorURL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			slog.Debug("actor gone, deferring accept decision to caller", "keyId", keyID)
			return keyID, ErrActorGone
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}
	if actor.PublicKey == nil {
		return "", fmt.Errorf("actor %s has no public key", actorURL)
	}

	pubKey, err := parsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURL, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return keyID, nil
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	return ParseRSAPublicKeyPEM(pemStr)
}

// IsActorID reports whether s looks like an AP actor URL.
func IsActorID(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// IsLocalID reports whether apID belongs to localDomain.
func IsLocalID(apID, localDomain string) bool {
	base := strings.TrimRight(localDomain, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}

// isAPMediaType reports whether a WebFinger link content-type represents an
// ActivityPub actor document, tolerating the ld+json profile form and
// case/whitespace variance across implementations.
func isAPMediaType(ct string) bool {
	lower := strings.ToLower(ct)
	if lower == "application/activity+json" {
		return true
	}
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}
