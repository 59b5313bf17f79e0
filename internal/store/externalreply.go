package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ExternalReply is the idempotency ledger entry for one already-federated
// external reply (a reply made by a non-local account, discovered via the
// backlink service rather than the firehose).
type ExternalReply struct {
	AtURI       string
	ParentAtURI string
	AuthorDID   string
	APNoteID    string
	CreatedAt   string
}

// HasExternalReply reports whether atUri has already been federated.
func (s *Store) HasExternalReply(atUri string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM external_replies WHERE at_uri = %s`, s.ph(1))
	var one int
	err := s.db.QueryRow(q, atUri).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has external reply: %w", err)
	}
	return true, nil
}

// CreateExternalReply records atUri as federated. Idempotent: a second call
// for the same atUri is a no-op, satisfying the external-reply idempotence
// invariant together with HasExternalReply's pre-check.
func (s *Store) CreateExternalReply(r ExternalReply) error {
	if r.CreatedAt == "" {
		r.CreatedAt = nowRFC3339Nano()
	}
	q := fmt.Sprintf(`INSERT INTO external_replies (at_uri, parent_at_uri, author_did, ap_note_id, created_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (at_uri) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.Exec(q, r.AtURI, r.ParentAtURI, r.AuthorDID, r.APNoteID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create external reply: %w", err)
	}
	return nil
}
