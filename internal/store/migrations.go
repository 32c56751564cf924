package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Assets table - cached HTTP responses for model bundles and label tables
		`CREATE TABLE IF NOT EXISTS assets (
			key TEXT PRIMARY KEY,
			response BLOB NOT NULL,
			size INTEGER NOT NULL,
			stored_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_assets_stored_at ON assets(stored_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
