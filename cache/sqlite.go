package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists cache namespaces in a single sqlite table keyed by
// (namespace, key).
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) SQLiteStore {
	db := openDB(filename)
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (namespace, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS namespace_idx ON cache (namespace)")
	if err != nil {
		panic(err)
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func openDB(filename string) *sql.DB {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		panic(err)
	}
	return db
}

func (s SQLiteStore) Put(ns Namespace, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache
		(namespace, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		ns.Name(), key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteStore) Get(ns Namespace, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(
		"SELECT bytes FROM cache WHERE namespace = ? AND key = ?",
		ns.Name(), key,
	).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteStore) Keys(ns Namespace) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM cache WHERE namespace = ?", ns.Name())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s SQLiteStore) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT namespace FROM cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStore) DeleteNamespace(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE namespace = ?", name)
	return err
}

// SQLiteKV stores durable flags in a sqlite table.
type SQLiteKV struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteKV creates a new KV with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
// The same file can be shared with a SQLiteStore.
func NewSQLiteKV(filename string) SQLiteKV {
	db := openDB(filename)
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT)")
	if err != nil {
		panic(err)
	}
	return SQLiteKV{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteKV) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s SQLiteKV) Set(key, value string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", key, value)
	return err
}
