package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GroupConfig maps an organization to its reminder chat-group webhook.
// Edited out-of-band by operators; read-mostly at runtime.
type GroupConfig struct {
	ID              int64
	OrgName         string
	Name            string
	WebhookURL      string
	Enabled         bool
	CooldownMinutes int
	MaxPerHour      int
}

// GroupConfigs returns every configured group.
func (s *Store) GroupConfigs() ([]*GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, org_name, name, webhook_url, enabled, cooldown_minutes, max_per_hour
		FROM group_configs ORDER BY org_name`)
	if err != nil {
		return nil, fmt.Errorf("group configs query failed: %w", err)
	}
	defer rows.Close()

	var configs []*GroupConfig
	for rows.Next() {
		var g GroupConfig
		var name sql.NullString
		var enabled int
		if err := rows.Scan(&g.ID, &g.OrgName, &name, &g.WebhookURL, &enabled,
			&g.CooldownMinutes, &g.MaxPerHour); err != nil {
			return nil, fmt.Errorf("group config scan failed: %w", err)
		}
		g.Name = name.String
		g.Enabled = enabled == 1
		configs = append(configs, &g)
	}
	return configs, rows.Err()
}

// GroupConfigByOrg returns one org's config, or nil when absent.
func (s *Store) GroupConfigByOrg(orgName string) (*GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var g GroupConfig
	var name sql.NullString
	var enabled int
	err := s.db.QueryRow(`
		SELECT id, org_name, name, webhook_url, enabled, cooldown_minutes, max_per_hour
		FROM group_configs WHERE org_name = ?`, orgName).
		Scan(&g.ID, &g.OrgName, &name, &g.WebhookURL, &enabled, &g.CooldownMinutes, &g.MaxPerHour)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group config lookup failed: %w", err)
	}
	g.Name = name.String
	g.Enabled = enabled == 1
	return &g, nil
}

// UpsertGroupConfig creates or replaces an org's webhook configuration.
func (s *Store) UpsertGroupConfig(g *GroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	if g.Enabled {
		enabled = 1
	}
	if g.CooldownMinutes == 0 {
		g.CooldownMinutes = 30
	}
	if g.MaxPerHour == 0 {
		g.MaxPerHour = 10
	}
	_, err := s.db.Exec(`
		INSERT INTO group_configs (org_name, name, webhook_url, enabled, cooldown_minutes, max_per_hour, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_name) DO UPDATE SET
			name = excluded.name,
			webhook_url = excluded.webhook_url,
			enabled = excluded.enabled,
			cooldown_minutes = excluded.cooldown_minutes,
			max_per_hour = excluded.max_per_hour,
			updated_at = excluded.updated_at`,
		g.OrgName, g.Name, g.WebhookURL, enabled, g.CooldownMinutes, g.MaxPerHour, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert group config for %s: %w", g.OrgName, err)
	}
	return nil
}

// SetGroupEnabled flips an org's enabled flag.
func (s *Store) SetGroupEnabled(orgName string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.Exec(`UPDATE group_configs SET enabled = ?, updated_at = ? WHERE org_name = ?`,
		v, time.Now(), orgName)
	if err != nil {
		return fmt.Errorf("failed to toggle group %s: %w", orgName, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no group config for org %s", orgName)
	}
	return nil
}
