package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetKV upserts a single key-value pair, used for cursor/bookkeeping state
// such as the firehose resume cursor.
func (s *Store) SetKV(key, value string) error {
	q := fmt.Sprintf(`INSERT INTO kv (key, value) VALUES (%s, %s)
		ON CONFLICT (key) DO UPDATE SET value = %s`, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.Exec(q, key, value, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// GetKV fetches a single value, if present.
func (s *Store) GetKV(key string) (string, bool, error) {
	q := fmt.Sprintf(`SELECT value FROM kv WHERE key = %s`, s.ph(1))
	var v string
	err := s.db.QueryRow(q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return v, true, nil
}

// WriteAuditLog appends a structured entry to the audit trail. Best-effort:
// callers log and continue on error rather than treating it as fatal.
func (s *Store) WriteAuditLog(kind, detail string) error {
	q := fmt.Sprintf(`INSERT INTO audit_log (timestamp, kind, detail) VALUES (%s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.Exec(q, nowRFC3339Nano(), kind, detail)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// AuditLogEntry is one row of the operator-visible audit trail.
type AuditLogEntry struct {
	Timestamp string
	Kind      string
	Detail    string
}

// GetAuditLogByKind returns audit entries of the given kind, newest first.
func (s *Store) GetAuditLogByKind(kind string) ([]AuditLogEntry, error) {
	q := fmt.Sprintf(`SELECT timestamp, kind, detail FROM audit_log WHERE kind = %s ORDER BY timestamp DESC`, s.ph(1))
	rows, err := s.db.Query(q, kind)
	if err != nil {
		return nil, fmt.Errorf("get audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
