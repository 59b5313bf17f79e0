package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// BridgeAccount is the singleton PDS account (id=1) the sidecar uses to
// publish proxied content on behalf of remote Fediverse actors.
type BridgeAccount struct {
	DID        string
	Handle     string
	Password   string
	AccessJWT  string
	RefreshJWT string
	CreatedAt  string
	UpdatedAt  string
}

// GetBridgeAccount returns the singleton bridge account row, if provisioned.
func (s *Store) GetBridgeAccount() (BridgeAccount, bool, error) {
	q := `SELECT did, handle, password, access_jwt, refresh_jwt, created_at, updated_at FROM bridge_account WHERE id = 1`
	var a BridgeAccount
	err := s.db.QueryRow(q).Scan(&a.DID, &a.Handle, &a.Password, &a.AccessJWT, &a.RefreshJWT, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BridgeAccount{}, false, nil
	}
	if err != nil {
		return BridgeAccount{}, false, fmt.Errorf("get bridge account: %w", err)
	}
	return a, true, nil
}

// CreateBridgeAccount provisions the singleton row. Called once, on first
// startup, after the bridge account has been created on the PDS.
func (s *Store) CreateBridgeAccount(a BridgeAccount) error {
	now := nowRFC3339Nano()
	if a.CreatedAt == "" {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	q := fmt.Sprintf(`INSERT INTO bridge_account (id, did, handle, password, access_jwt, refresh_jwt, created_at, updated_at)
		VALUES (1, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	_, err := s.db.Exec(q, a.DID, a.Handle, a.Password, a.AccessJWT, a.RefreshJWT, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create bridge account: %w", err)
	}
	return nil
}

// UpdateBridgeAccountTokens persists a rotated access/refresh token pair.
func (s *Store) UpdateBridgeAccountTokens(accessJwt, refreshJwt string) error {
	q := fmt.Sprintf(`UPDATE bridge_account SET access_jwt = %s, refresh_jwt = %s, updated_at = %s WHERE id = 1`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.Exec(q, accessJwt, refreshJwt, nowRFC3339Nano())
	if err != nil {
		return fmt.Errorf("update bridge account tokens: %w", err)
	}
	return nil
}

// DeleteBridgeAccount removes the singleton row, allowing re-provisioning on
// next startup.
func (s *Store) DeleteBridgeAccount() error {
	_, err := s.db.Exec(`DELETE FROM bridge_account WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("delete bridge account: %w", err)
	}
	return nil
}
