package store

import "fmt"

// MonitoredPost is a post the external-reply poller (C9) periodically checks
// for new backlinks.
type MonitoredPost struct {
	AtURI       string
	AuthorDID   string
	LastChecked string // empty means never checked
	CreatedAt   string
}

// AddMonitoredPost registers a post for backlink polling. Idempotent.
func (s *Store) AddMonitoredPost(atUri, authorDid string) error {
	q := fmt.Sprintf(`INSERT INTO monitored_posts (at_uri, author_did, last_checked, created_at)
		VALUES (%s, %s, NULL, %s)
		ON CONFLICT (at_uri) DO NOTHING`, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.Exec(q, atUri, authorDid, nowRFC3339Nano())
	if err != nil {
		return fmt.Errorf("add monitored post: %w", err)
	}
	return nil
}

// GetMonitoredPostsBatch returns up to n posts ordered lastChecked ASC with
// NULL (never checked) sorted first.
func (s *Store) GetMonitoredPostsBatch(n int) ([]MonitoredPost, error) {
	if n <= 0 {
		n = 50
	}
	q := fmt.Sprintf(`SELECT at_uri, author_did, COALESCE(last_checked, ''), created_at
		FROM monitored_posts
		ORDER BY (last_checked IS NULL) DESC, last_checked ASC
		LIMIT %s`, s.ph(1))
	rows, err := s.db.Query(q, n)
	if err != nil {
		return nil, fmt.Errorf("get monitored posts batch: %w", err)
	}
	defer rows.Close()

	var out []MonitoredPost
	for rows.Next() {
		var m MonitoredPost
		if err := rows.Scan(&m.AtURI, &m.AuthorDID, &m.LastChecked, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan monitored post: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMonitoredPostLastChecked stamps the post as checked just now,
// regardless of whether processing its backlinks succeeded.
func (s *Store) UpdateMonitoredPostLastChecked(atUri string) error {
	q := fmt.Sprintf(`UPDATE monitored_posts SET last_checked = %s WHERE at_uri = %s`, s.ph(1), s.ph(2))
	_, err := s.db.Exec(q, nowRFC3339Nano(), atUri)
	if err != nil {
		return fmt.Errorf("update monitored post last checked: %w", err)
	}
	return nil
}
