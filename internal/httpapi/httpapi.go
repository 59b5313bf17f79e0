// Package httpapi binds the federation engine's dispatchers to HTTP:
// WebFinger/NodeInfo discovery, per-account actor/followers/following/outbox
// routes, the object endpoint, and the per-account + shared inbox. Routing
// runs on a chi router and middleware stack with a per-origin inbox
// concurrency limiter, dispatching each request to the federation Engine for
// whichever local account the path identifies.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/msonnb/fedisky/internal/apvocab"
	"github.com/msonnb/fedisky/internal/aturi"
	"github.com/msonnb/fedisky/internal/config"
	"github.com/msonnb/fedisky/internal/federation"
)

const (
	activityJSONType = `application/activity+json`
	nodeInfoVersion  = "2.1"
	softwareName     = "fedisky"
)

const (
	// maxConcurrentActivities is the total inbox concurrency cap. Activities
	// arriving beyond this limit receive a 503 response.
	maxConcurrentActivities = 50

	// maxPerOriginConcurrency is the per-origin (remote actor hostname)
	// concurrency cap, so one noisy origin can't consume the whole semaphore.
	maxPerOriginConcurrency = 5

	outboxPageSize = 20
)

// inboxLimiter is a per-origin concurrent-activity counter.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInboxLimiter() *inboxLimiter {
	return &inboxLimiter{counts: make(map[string]int)}
}

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Server is the sidecar's HTTP surface.
type Server struct {
	cfg    *config.Config
	engine *federation.Engine
	bridge federation.Uploader

	router       *chi.Mux
	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter
	startedAt    time.Time
}

// New constructs a Server. bridge is used to publish replies created from
// inbound Fediverse Creates onto the bridge account's repo.
func New(cfg *config.Config, engine *federation.Engine, bridge federation.Uploader) *Server {
	s := &Server{
		cfg:          cfg,
		engine:       engine,
		bridge:       bridge,
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(),
		startedAt:    time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "publicUrl", s.cfg.PublicURL)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	r.Get("/users/{identifier}", s.handleActor)
	r.Get("/users/{identifier}/followers", s.handleFollowers)
	r.Get("/users/{identifier}/following", s.handleFollowing)
	r.Get("/users/{identifier}/outbox", s.handleOutbox)
	r.Post("/users/{identifier}/inbox", s.handleUserInbox)

	r.Post("/inbox", s.handleSharedInbox)

	r.Get("/posts/*", s.handleObject)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "fedisky - a bidirectional AT-Protocol <-> ActivityPub federation sidecar.\n\nRunning on %s\n", s.cfg.PublicURL)
	})

	return r
}

// resolveDID canonicalizes a /users/{identifier} path segment to the did
// every Store-backed dispatcher keys on. A bare did passes through; anything
// else is treated as a local handle fragment and resolved against the
// configured PDS by appending the bridge's own hostname.
func (s *Server) resolveDID(ctx context.Context, identifier string) (string, error) {
	if strings.HasPrefix(identifier, "did:") {
		return identifier, nil
	}
	did, err := s.engine.PDS.ResolveHandle(ctx, identifier+"."+s.cfg.Hostname)
	if err != nil {
		return "", fmt.Errorf("resolve handle %s: %w", identifier, err)
	}
	return did, nil
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveDID(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil || did == "" {
		http.NotFound(w, r)
		return
	}
	actor, err := s.engine.ActorDispatcher(r.Context(), did)
	if err != nil {
		slog.Warn("actor dispatch failed", "identifier", did, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if actor == nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, actor)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveDID(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil || did == "" {
		http.NotFound(w, r)
		return
	}
	items, _, err := s.engine.FollowersDispatcher(did, "", 100)
	if err != nil {
		slog.Warn("followers dispatch failed", "identifier", did, "error", err)
		items = nil
	}
	ids := make([]any, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	collection := apvocab.OrderedCollection{
		Context:      apvocab.DefaultContext,
		ID:           s.engine.FollowersURI(did),
		Type:         "OrderedCollection",
		TotalItems:   len(ids),
		OrderedItems: ids,
	}
	apResponse(w, collection)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveDID(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil || did == "" {
		http.NotFound(w, r)
		return
	}
	following, err := s.engine.FollowingDispatcher(r.Context(), did)
	if err != nil {
		slog.Warn("following dispatch failed", "identifier", did, "error", err)
		following = nil
	}
	items := make([]any, 0, len(following))
	for _, f := range following {
		items = append(items, f)
	}
	collection := apvocab.OrderedCollection{
		Context:      apvocab.DefaultContext,
		ID:           s.engine.ActorURI(did) + "/following",
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}
	apResponse(w, collection)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveDID(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil || did == "" {
		http.NotFound(w, r)
		return
	}
	page, err := s.engine.OutboxDispatcher(r.Context(), did, outboxPageSize)
	if err != nil {
		slog.Warn("outbox dispatch failed", "identifier", did, "error", err)
	}
	outboxURL := s.engine.ActorURI(did) + "/outbox"
	collection := apvocab.OrderedCollection{
		Context:      apvocab.DefaultContext,
		ID:           outboxURL,
		Type:         "OrderedCollection",
		TotalItems:   len(page.Items),
		OrderedItems: page.Items,
	}
	apResponse(w, collection)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/posts/")
	if escaped == "" {
		http.Error(w, "missing object id", http.StatusBadRequest)
		return
	}
	obj, err := s.engine.ObjectDispatcher(r.Context(), escaped)
	if err != nil {
		slog.Warn("object dispatch failed", "path", escaped, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, obj)
}

// handleUserInbox accepts an activity addressed to one local account.
func (s *Server) handleUserInbox(w http.ResponseWriter, r *http.Request) {
	did, err := s.resolveDID(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil || did == "" {
		http.NotFound(w, r)
		return
	}
	s.acceptActivity(w, r, did)
}

// handleSharedInbox accepts an activity whose target account is derived from
// the activity body itself (the Follow/Undo's object, or the reply's
// inReplyTo), matching the shared-inbox delivery optimization servers use to
// avoid one HTTP POST per locally-followed account.
func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.acceptActivity(w, r, "")
}

// acceptActivity verifies the HTTP signature, enforces inbox concurrency
// limits, and hands the body to processActivity on a background goroutine —
// the handler itself returns 202 immediately, matching how ActivityPub
// servers are expected to decouple receipt from processing.
func (s *Server) acceptActivity(w http.ResponseWriter, r *http.Request, pathDID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := federation.VerifyDigest(body, r.Header.Get("Digest")); err != nil {
		slog.Warn("inbox: digest mismatch", "error", err)
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	if _, err := federation.VerifySignature(r); err != nil {
		slog.Warn("inbox: invalid signature", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	origin := actorOrigin(body, r.RemoteAddr)
	if !s.inboxLimiter.acquire(origin) {
		slog.Warn("per-origin inbox rate limit exceeded", "origin", origin)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	select {
	case s.inboxSem <- struct{}{}:
	default:
		s.inboxLimiter.release(origin)
		slog.Warn("inbox overloaded, dropping activity", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return
	}

	go func() {
		defer s.inboxLimiter.release(origin)
		defer func() { <-s.inboxSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.processActivity(ctx, pathDID, body); err != nil {
			slog.Warn("failed to process inbound activity", "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// processActivity dispatches one inbound activity to the federation engine.
func (s *Server) processActivity(ctx context.Context, pathDID string, body []byte) error {
	var act apvocab.IncomingActivity
	if err := json.Unmarshal(body, &act); err != nil {
		return fmt.Errorf("decode activity: %w", err)
	}

	switch act.Type {
	case "Follow":
		did := pathDID
		if did == "" {
			var ok bool
			did, ok = s.didFromActorURI(actObjectString(act.Object))
			if !ok {
				return fmt.Errorf("follow: object %q is not a local actor", actObjectString(act.Object))
			}
		}
		accept, err := s.engine.HandleFollow(ctx, did, act)
		if err != nil {
			return err
		}
		s.engine.SendActivity(ctx, did, []federation.DeliveryTarget{{ID: act.Actor}}, false, accept)
		return nil

	case "Undo":
		var inner apvocab.IncomingActivity
		if err := json.Unmarshal(act.Object, &inner); err != nil {
			return fmt.Errorf("undo: decode inner activity: %w", err)
		}
		if inner.Type != "Follow" {
			return nil // only Undo(Follow) is meaningful here
		}
		did := pathDID
		if did == "" {
			var ok bool
			did, ok = s.didFromActorURI(actObjectString(inner.Object))
			if !ok {
				return fmt.Errorf("undo follow: object %q is not a local actor", actObjectString(inner.Object))
			}
		}
		return s.engine.HandleUndoFollow(did, inner)

	case "Create":
		var note apvocab.Note
		if err := json.Unmarshal(act.Object, &note); err != nil {
			return fmt.Errorf("create: decode note: %w", err)
		}
		parentAtUri, ok := s.parentFromInReplyTo(note.InReplyTo)
		if !ok {
			return nil // not a reply to one of our posts — nothing to bridge
		}
		return s.engine.HandleCreateNote(ctx, s.bridge, note, parentAtUri)

	case "Delete":
		// No local side effect: a remote author deleting their own post
		// doesn't retract anything we've written to the AT-Protocol repo.
		return nil

	default:
		slog.Debug("inbox: unhandled activity type", "type", act.Type)
		return nil
	}
}

// didFromActorURI extracts the did segment from one of our own actor URIs
// (".../users/{did}"), returning ok=false for anything else.
func (s *Server) didFromActorURI(actorURI string) (string, bool) {
	prefix := strings.TrimRight(s.cfg.PublicURL, "/") + "/users/"
	if !strings.HasPrefix(actorURI, prefix) {
		return "", false
	}
	did := strings.TrimPrefix(actorURI, prefix)
	if did == "" || strings.Contains(did, "/") {
		return "", false
	}
	return did, true
}

// parentFromInReplyTo extracts the AT-URI a local object URI
// (".../posts/{escaped-at-uri}") encodes, returning ok=false if inReplyTo
// doesn't point at one of our own posts.
func (s *Server) parentFromInReplyTo(inReplyTo string) (string, bool) {
	prefix := strings.TrimRight(s.cfg.PublicURL, "/") + "/posts/"
	if inReplyTo == "" || !strings.HasPrefix(inReplyTo, prefix) {
		return "", false
	}
	escaped := strings.TrimPrefix(inReplyTo, prefix)
	atUri, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	if _, _, _, ok := aturi.Parse(atUri); !ok {
		return "", false
	}
	return atUri, true
}

func actObjectString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ─── Discovery handlers ─────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	user, host := parts[0], parts[1]
	if host != s.cfg.URL().Host {
		http.NotFound(w, r)
		return
	}

	did, err := s.resolveDID(r.Context(), user)
	if err != nil || did == "" {
		http.NotFound(w, r)
		return
	}

	actorURL := s.engine.ActorURI(did)
	resp := apvocab.WebFingerResponse{
		Subject: resource,
		Links: []apvocab.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: actorURL},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, strings.TrimRight(s.cfg.PublicURL, "/"))
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.BaseURL("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}
	info := apvocab.NodeInfo{
		Version:   nodeInfoVersion,
		Software:  apvocab.NodeInfoSoftware{Name: softwareName, Version: s.cfg.Version},
		Protocols: []string{"activitypub"},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// actorOrigin extracts the hostname of the AP actor from a raw activity
// body, falling back to the connecting IP. Used as the per-origin inbox
// rate-limit key.
func actorOrigin(body []byte, remoteAddr string) string {
	var a struct {
		Actor string `json:"actor"`
	}
	if json.Unmarshal(body, &a) == nil && a.Actor != "" {
		if u, err := url.Parse(a.Actor); err == nil && u.Host != "" {
			return u.Host
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ─── Utility functions ──────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
