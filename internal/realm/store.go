package realm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store persists realms and their client registrations in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (or creates) the realm database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "realms.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS realms (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			ssl_required TEXT NOT NULL DEFAULT 'external',
			private_key TEXT NOT NULL,
			certificate TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			realm TEXT NOT NULL,
			client_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (realm, client_id),
			FOREIGN KEY (realm) REFERENCES realms(name) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clients_realm ON clients(realm)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRealm stores a new realm.
func (s *Store) CreateRealm(ctx context.Context, r *Realm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO realms (name, enabled, ssl_required, private_key, certificate, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Name, boolToInt(r.Enabled), string(r.SSLRequired), r.PrivateKeyPEM, r.CertificatePEM, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("create realm: %w", err)
	}
	return nil
}

// Realm loads a realm by name.
func (s *Store) Realm(ctx context.Context, name string) (*Realm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &Realm{Name: name}
	var enabled int
	var sslRequired string
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, ssl_required, private_key, certificate FROM realms WHERE name = ?`, name).
		Scan(&enabled, &sslRequired, &r.PrivateKeyPEM, &r.CertificatePEM)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get realm: %w", err)
	}
	r.Enabled = enabled != 0
	r.SSLRequired = SSLRequired(sslRequired)
	return r, nil
}

// SetRealmEnabled toggles a realm without touching its keys.
func (s *Store) SetRealmEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE realms SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolToInt(enabled), now, name)
	if err != nil {
		return fmt.Errorf("update realm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateClient registers a service provider in a realm.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (realm, client_id, enabled, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Realm, c.ClientID, boolToInt(c.Enabled), string(data), now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// ClientByClientID loads a client registration by its SAML entity ID.
func (s *Store) ClientByClientID(ctx context.Context, realmName, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM clients WHERE realm = ? AND client_id = ?`, realmName, clientID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	var c Client
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	c.Realm = realmName
	return &c, nil
}

// Clients lists all client registrations in a realm.
func (s *Store) Clients(ctx context.Context, realmName string) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM clients WHERE realm = ? ORDER BY client_id`, realmName)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		var c Client
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("unmarshal client: %w", err)
		}
		c.Realm = realmName
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
