package store

import (
	"fmt"
)

// Follow is a persisted ActivityPub follower relationship for a local
// AT-Protocol account.
type Follow struct {
	UserDID    string
	ActivityID string
	ActorURI   string
	ActorInbox string
	CreatedAt  string
}

// FollowPage is one page of follows plus an opaque cursor for the next page.
type FollowPage struct {
	Follows    []Follow
	NextCursor string
}

// CreateFollow inserts a follow row. Idempotent on (userDid, activityId): a
// duplicate insert is silently ignored.
func (s *Store) CreateFollow(f Follow) error {
	if f.CreatedAt == "" {
		f.CreatedAt = nowRFC3339Nano()
	}
	q := fmt.Sprintf(`INSERT INTO follows (user_did, activity_id, actor_uri, actor_inbox, created_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (user_did, activity_id) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.Exec(q, f.UserDID, f.ActivityID, f.ActorURI, f.ActorInbox, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create follow: %w", err)
	}
	return nil
}

// DeleteFollow removes the follow relationship between actorUri and userDid,
// regardless of which activityId originally created it (the logical delete
// key is (userDid, actorUri), not activityId).
func (s *Store) DeleteFollow(userDid, actorUri string) error {
	q := fmt.Sprintf(`DELETE FROM follows WHERE user_did = %s AND actor_uri = %s`, s.ph(1), s.ph(2))
	_, err := s.db.Exec(q, userDid, actorUri)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

// GetFollows returns a page of follows for userDid ordered by createdAt DESC.
// A non-empty cursor restricts the result to rows with createdAt < cursor.
// The implementation requests limit+1 rows and truncates; when the extra row
// exists, the createdAt of the last returned (limit-th) row is nextCursor.
func (s *Store) GetFollows(userDid, cursor string, limit int) (FollowPage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows rowsIface
	var err error
	if cursor != "" {
		q := fmt.Sprintf(`SELECT user_did, activity_id, actor_uri, actor_inbox, created_at FROM follows
			WHERE user_did = %s AND created_at < %s
			ORDER BY created_at DESC LIMIT %s`, s.ph(1), s.ph(2), s.ph(3))
		rows, err = s.db.Query(q, userDid, cursor, limit+1)
	} else {
		q := fmt.Sprintf(`SELECT user_did, activity_id, actor_uri, actor_inbox, created_at FROM follows
			WHERE user_did = %s
			ORDER BY created_at DESC LIMIT %s`, s.ph(1), s.ph(2))
		rows, err = s.db.Query(q, userDid, limit+1)
	}
	if err != nil {
		return FollowPage{}, fmt.Errorf("get follows: %w", err)
	}
	defer rows.Close()

	var out []Follow
	for rows.Next() {
		var f Follow
		if err := rows.Scan(&f.UserDID, &f.ActivityID, &f.ActorURI, &f.ActorInbox, &f.CreatedAt); err != nil {
			return FollowPage{}, fmt.Errorf("scan follow: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return FollowPage{}, err
	}

	page := FollowPage{Follows: out}
	if len(out) > limit {
		page.Follows = out[:limit]
		page.NextCursor = out[limit-1].CreatedAt
	}
	return page, nil
}

// GetFollowsCount returns the total number of followers of userDid.
func (s *Store) GetFollowsCount(userDid string) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM follows WHERE user_did = %s`, s.ph(1))
	var n int
	if err := s.db.QueryRow(q, userDid).Scan(&n); err != nil {
		return 0, fmt.Errorf("get follows count: %w", err)
	}
	return n, nil
}

// rowsIface is the subset of *sql.Rows both code paths above need; declared
// so the two query branches can share the scan loop.
type rowsIface interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}
