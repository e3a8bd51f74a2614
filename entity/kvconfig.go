package entity

import "database/sql"

// GetConfigValue retrieves a persisted override from the kv_config overlay
// table. An unset key returns "", nil rather than an error: an empty
// string means fall back to the flag default.
func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_config WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfigValue persists a config override.
func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	return err
}
