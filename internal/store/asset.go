package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Asset is one cached response.
type Asset struct {
	Key      string
	Size     int64
	StoredAt time.Time
}

// AssetRepository reads and writes cached responses. It satisfies
// httpcache.Cache, so it can back an HTTP caching transport directly.
type AssetRepository struct {
	db  *sql.DB
	log *logrus.Entry
}

// Assets returns the asset repository for this store.
func (s *Store) Assets() *AssetRepository {
	return &AssetRepository{
		db:  s.db,
		log: logrus.WithField("component", "store"),
	}
}

// Load returns the cached response for key.
func (r *AssetRepository) Load(key string) ([]byte, error) {
	var body []byte
	err := r.db.QueryRow(`SELECT response FROM assets WHERE key = ?`, key).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

// Save stores or replaces the response for key.
func (r *AssetRepository) Save(key string, response []byte) error {
	_, err := r.db.Exec(
		`INSERT INTO assets (key, response, size, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET response = excluded.response, size = excluded.size, stored_at = excluded.stored_at`,
		key, response, len(response), time.Now(),
	)
	return err
}

// Remove deletes the response for key. Missing keys are not an error.
func (r *AssetRepository) Remove(key string) error {
	_, err := r.db.Exec(`DELETE FROM assets WHERE key = ?`, key)
	return err
}

// List returns every cached asset, newest first.
func (r *AssetRepository) List() ([]Asset, error) {
	rows, err := r.db.Query(`SELECT key, size, stored_at FROM assets ORDER BY stored_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.Key, &a.Size, &a.StoredAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assets, nil
}

// Purge drops every cached asset and returns how many were removed.
func (r *AssetRepository) Purge() (int64, error) {
	res, err := r.db.Exec(`DELETE FROM assets`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get implements httpcache.Cache.
func (r *AssetRepository) Get(key string) ([]byte, bool) {
	body, err := r.Load(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.WithError(err).WithField("key", key).Warn("asset cache read failed")
		}
		return nil, false
	}
	return body, true
}

// Set implements httpcache.Cache.
func (r *AssetRepository) Set(key string, response []byte) {
	if err := r.Save(key, response); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("asset cache write failed")
	}
}

// Delete implements httpcache.Cache.
func (r *AssetRepository) Delete(key string) {
	if err := r.Remove(key); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("asset cache delete failed")
	}
}
