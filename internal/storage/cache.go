package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Exact-match cache tier ---

// CacheGet returns the payload stored under key if it exists and has not
// expired. The boolean reports whether a live entry was found.
func (s *Store) CacheGet(key string) (string, bool, error) {
	var payload string
	var expiresAt string
	err := s.db.QueryRow(`SELECT payload_json, expires_at FROM cache_entries WHERE key = ?`, key).
		Scan(&payload, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache entry: %w", err)
	}

	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return "", false, fmt.Errorf("parsing expires_at for %s: %w", key, err)
	}
	if !exp.After(time.Now().UTC()) {
		// Expired rows are removed lazily here and in bulk by CacheSweepExpired.
		_, _ = s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return "", false, nil
	}
	return payload, true, nil
}

// CachePut stores payload under key with the given time-to-live, replacing
// any existing entry.
func (s *Store) CachePut(key, payload string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (key, payload_json, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload_json = excluded.payload_json,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		key, payload, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// CacheInvalidatePrefix removes all entries whose key starts with prefix and
// returns the number removed.
func (s *Store) CacheInvalidatePrefix(prefix string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("invalidating cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CacheSweepExpired removes all expired entries and returns the number removed.
func (s *Store) CacheSweepExpired() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// escapeLike escapes LIKE metacharacters so a prefix is matched literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
