package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// KeyPairType enumerates the two signature algorithms every local actor needs
// before outbound federation can sign an activity.
type KeyPairType string

const (
	KeyPairRSA     KeyPairType = "RSASSA-PKCS1-v1_5"
	KeyPairEd25519 KeyPairType = "Ed25519"
)

// KeyPair is a per-actor signing key, stored as JWK JSON.
type KeyPair struct {
	UserDID    string
	Type       KeyPairType
	PublicKey  string // JWK JSON
	PrivateKey string // JWK JSON
	CreatedAt  string
}

// CreateKeyPair inserts a key pair row. Returns the winning row (which may
// belong to a concurrent caller) so generation can be atomic per
// (userDid, type): on a unique-constraint race, both callers read back the
// same persisted row.
func (s *Store) CreateKeyPair(kp KeyPair) (KeyPair, error) {
	if kp.CreatedAt == "" {
		kp.CreatedAt = nowRFC3339Nano()
	}
	q := fmt.Sprintf(`INSERT INTO key_pairs (user_did, type, public_key, private_key, created_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (user_did, type) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := s.db.Exec(q, kp.UserDID, string(kp.Type), kp.PublicKey, kp.PrivateKey, kp.CreatedAt); err != nil {
		return KeyPair{}, fmt.Errorf("create key pair: %w", err)
	}
	winner, ok, err := s.GetKeyPair(kp.UserDID, kp.Type)
	if err != nil {
		return KeyPair{}, err
	}
	if !ok {
		return KeyPair{}, fmt.Errorf("create key pair: row missing immediately after insert")
	}
	return winner, nil
}

// GetKeyPair fetches the key pair for (userDid, type), if one exists.
func (s *Store) GetKeyPair(userDid string, t KeyPairType) (KeyPair, bool, error) {
	q := fmt.Sprintf(`SELECT user_did, type, public_key, private_key, created_at FROM key_pairs
		WHERE user_did = %s AND type = %s`, s.ph(1), s.ph(2))
	var kp KeyPair
	var typ string
	err := s.db.QueryRow(q, userDid, string(t)).Scan(&kp.UserDID, &typ, &kp.PublicKey, &kp.PrivateKey, &kp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyPair{}, false, nil
	}
	if err != nil {
		return KeyPair{}, false, fmt.Errorf("get key pair: %w", err)
	}
	kp.Type = KeyPairType(typ)
	return kp, true, nil
}

// GetKeyPairs fetches every key pair for userDid.
func (s *Store) GetKeyPairs(userDid string) ([]KeyPair, error) {
	q := fmt.Sprintf(`SELECT user_did, type, public_key, private_key, created_at FROM key_pairs WHERE user_did = %s`, s.ph(1))
	rows, err := s.db.Query(q, userDid)
	if err != nil {
		return nil, fmt.Errorf("get key pairs: %w", err)
	}
	defer rows.Close()

	var out []KeyPair
	for rows.Next() {
		var kp KeyPair
		var typ string
		if err := rows.Scan(&kp.UserDID, &typ, &kp.PublicKey, &kp.PrivateKey, &kp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key pair: %w", err)
		}
		kp.Type = KeyPairType(typ)
		out = append(out, kp)
	}
	return out, rows.Err()
}
