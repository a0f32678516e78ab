package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SystemConfigs returns every key/value pair from system_config. The
// settings layer parses these into a typed snapshot once per tick.
func (s *Store) SystemConfigs() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value FROM system_config`)
	if err != nil {
		return nil, fmt.Errorf("system config query failed: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("system config scan failed: %w", err)
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// SystemConfig returns one value, with ok=false when the key is unset.
func (s *Store) SystemConfig(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("system config lookup failed: %w", err)
	}
	return value, true, nil
}

// SetSystemConfig writes one key, creating or replacing it.
func (s *Store) SetSystemConfig(key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO system_config (key, value, description, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, system_config.description),
			updated_at = excluded.updated_at`,
		key, value, description, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set system config %s: %w", key, err)
	}
	return nil
}
