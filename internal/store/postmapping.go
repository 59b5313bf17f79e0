package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// AddPostMapping records the AT-URI ↔ AP-note-id identity bridge for one
// post, and warms both cache directions.
func (s *Store) AddPostMapping(atUri, apNoteId string) error {
	q := fmt.Sprintf(`INSERT INTO post_mappings (at_uri, ap_note_id, created_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (at_uri) DO NOTHING`, s.ph(1), s.ph(2), s.ph(3))
	if _, err := s.db.Exec(q, atUri, apNoteId, nowRFC3339Nano()); err != nil {
		return fmt.Errorf("add post mapping: %w", err)
	}
	s.mappingByAP.Store(atUri, apNoteId)
	s.mappingByNote.Store(apNoteId, atUri)
	return nil
}

// GetAPNoteIDForPost resolves an AT-URI to its bridged AP note id, checking
// the in-memory cache before the database.
func (s *Store) GetAPNoteIDForPost(atUri string) (string, bool) {
	if v, ok := s.mappingByAP.Load(atUri); ok {
		return v.(string), true
	}
	q := fmt.Sprintf(`SELECT ap_note_id FROM post_mappings WHERE at_uri = %s`, s.ph(1))
	var apNoteId string
	err := s.db.QueryRow(q, atUri).Scan(&apNoteId)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	s.mappingByAP.Store(atUri, apNoteId)
	s.mappingByNote.Store(apNoteId, atUri)
	return apNoteId, true
}

// GetPostForAPNoteID resolves an AP note id back to its originating AT-URI.
func (s *Store) GetPostForAPNoteID(apNoteId string) (string, bool) {
	if v, ok := s.mappingByNote.Load(apNoteId); ok {
		return v.(string), true
	}
	q := fmt.Sprintf(`SELECT at_uri FROM post_mappings WHERE ap_note_id = %s`, s.ph(1))
	var atUri string
	err := s.db.QueryRow(q, apNoteId).Scan(&atUri)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	s.mappingByAP.Store(atUri, apNoteId)
	s.mappingByNote.Store(apNoteId, atUri)
	return atUri, true
}

// DeletePostMapping removes the mapping in both directions, evicting both
// cache entries.
func (s *Store) DeletePostMapping(atUri, apNoteId string) error {
	q := fmt.Sprintf(`DELETE FROM post_mappings WHERE at_uri = %s AND ap_note_id = %s`, s.ph(1), s.ph(2))
	if _, err := s.db.Exec(q, atUri, apNoteId); err != nil {
		return fmt.Errorf("delete post mapping: %w", err)
	}
	s.mappingByAP.Delete(atUri)
	s.mappingByNote.Delete(apNoteId)
	return nil
}
