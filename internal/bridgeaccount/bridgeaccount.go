// Package bridgeaccount provisions and maintains the single PDS account the
// sidecar uses to publish content bridged in from the Fediverse, mirroring
// session lifecycle management onto a Store-backed singleton instead of one
// hard-coded identifier/app-password pair.
package bridgeaccount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/msonnb/fedisky/internal/pdsclient"
	"github.com/msonnb/fedisky/internal/store"
)

// ErrNotProvisioned is returned by operations that require a bridge account
// when none has been created yet.
var ErrNotProvisioned = errors.New("bridgeaccount: not provisioned")

// Manager owns the bridge account's PDS session and keeps the Store's
// persisted token pair in sync with whatever pdsclient rotates in.
type Manager struct {
	store  *store.Store
	client *pdsclient.Client

	mu          sync.Mutex
	provisioned bool
	did         string
	handle      string
}

// New constructs a Manager against the given PDS client. Call Load (or
// Provision, on first run) before use.
func New(st *store.Store, client *pdsclient.Client) *Manager {
	return &Manager{store: st, client: client}
}

// Load restores a previously provisioned bridge account's session into the
// PDS client. Returns false if no account has been provisioned yet.
func (m *Manager) Load() (bool, error) {
	acct, ok, err := m.store.GetBridgeAccount()
	if err != nil {
		return false, fmt.Errorf("load bridge account: %w", err)
	}
	if !ok {
		return false, nil
	}
	m.client.RestoreSession(pdsclient.Session{
		AccessJWT:  acct.AccessJWT,
		RefreshJWT: acct.RefreshJWT,
		DID:        acct.DID,
		Handle:     acct.Handle,
	})
	m.mu.Lock()
	m.provisioned = true
	m.did = acct.DID
	m.handle = acct.Handle
	m.mu.Unlock()
	slog.Info("bridge account loaded", "did", acct.DID, "handle", acct.Handle)
	return true, nil
}

// Provision authenticates identifier/password against the PDS for the first
// time and persists the resulting session as the singleton bridge account
// row. Only called once, the first time the sidecar starts with no existing
// bridge account.
func (m *Manager) Provision(ctx context.Context, identifier, password string) error {
	if err := m.client.Authenticate(ctx, identifier, password); err != nil {
		return fmt.Errorf("provision bridge account: %w", err)
	}
	sess, ok := m.client.CurrentSession()
	if !ok {
		return fmt.Errorf("provision bridge account: no session after authenticate")
	}
	if err := m.store.CreateBridgeAccount(store.BridgeAccount{
		DID:        sess.DID,
		Handle:     sess.Handle,
		Password:   password,
		AccessJWT:  sess.AccessJWT,
		RefreshJWT: sess.RefreshJWT,
	}); err != nil {
		return fmt.Errorf("persist bridge account: %w", err)
	}
	m.mu.Lock()
	m.provisioned = true
	m.did = sess.DID
	m.handle = sess.Handle
	m.mu.Unlock()
	if err := m.store.WriteAuditLog("bridge_provisioned", fmt.Sprintf("did=%s handle=%s", sess.DID, sess.Handle)); err != nil {
		slog.Warn("write audit log for bridge provisioning failed", "error", err)
	}
	slog.Info("bridge account provisioned", "did", sess.DID, "handle", sess.Handle)
	return nil
}

// DID returns the bridge account's DID, or "" if not yet provisioned.
func (m *Manager) DID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.did
}

// Handle returns the bridge account's handle, or "" if not yet provisioned.
func (m *Manager) Handle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Ready reports whether a bridge account has been loaded or provisioned.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisioned
}

// Do wraps a call against the underlying pdsclient, persisting any
// token rotation the single-flighted reauth performed so the next process
// restart picks up the fresh tokens instead of re-provisioning. On a second
// 401 after refresh (pdsclient.IsAuthExhausted), the bridge account is
// marked unavailable and the fault is recorded as both a log line and an
// audit log row: a second 401 after a refresh is a configuration fault, not
// a transient condition, and an operator needs a durable trail of when that
// happened, not just whatever's left in process logs.
func (m *Manager) Do(ctx context.Context, fn func(*pdsclient.Client) error) error {
	if !m.Ready() {
		return ErrNotProvisioned
	}
	err := fn(m.client)
	if sess, ok := m.client.CurrentSession(); ok {
		if persistErr := m.store.UpdateBridgeAccountTokens(sess.AccessJWT, sess.RefreshJWT); persistErr != nil {
			slog.Warn("persist rotated bridge account tokens failed", "error", persistErr)
		}
	}
	if err != nil && pdsclient.IsAuthExhausted(err) {
		handle := m.Handle()
		pdsclient.LogAuthFault(handle)
		if auditErr := m.store.WriteAuditLog("bridge_auth_exhausted", fmt.Sprintf("handle=%s", handle)); auditErr != nil {
			slog.Warn("write audit log for auth fault failed", "error", auditErr)
		}
		m.mu.Lock()
		m.provisioned = false
		m.mu.Unlock()
	}
	return err
}
