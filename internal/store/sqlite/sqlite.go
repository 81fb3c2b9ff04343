// Package sqlite provides the standalone-mode embedded store for the exec
// approval allowlist and pairing records, using the pure-Go modernc.org
// driver so no cgo toolchain is required.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/openclaw/gateway/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS exec_allowlist (
    agent_id TEXT NOT NULL DEFAULT '',
    pattern  TEXT NOT NULL,
    added_at INTEGER NOT NULL,
    PRIMARY KEY (agent_id, pattern)
);

CREATE TABLE IF NOT EXISTS pairings (
    code         TEXT PRIMARY KEY,
    sender_id    TEXT NOT NULL,
    channel      TEXT NOT NULL,
    channel_id   TEXT NOT NULL DEFAULT '',
    agent_key    TEXT NOT NULL DEFAULT '',
    approved     INTEGER NOT NULL DEFAULT 0,
    requested_at INTEGER NOT NULL,
    approved_at  INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS pairings_sender_idx ON pairings (sender_id, channel);
`

// DB wraps the embedded store.
type DB struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the database.
func (d *DB) Close() error { return d.db.Close() }

// LoadAllowlist returns the persisted exec allowlist patterns for an agent
// ("" is the global list).
func (d *DB) LoadAllowlist(agentID string) ([]string, error) {
	rows, err := d.db.Query(`SELECT pattern FROM exec_allowlist WHERE agent_id = ? ORDER BY added_at`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// SaveAllowlist replaces an agent's allowlist, called after an allow-always
// decision mutates it.
func (d *DB) SaveAllowlist(agentID string, patterns []string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM exec_allowlist WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for i, p := range patterns {
		if _, err := tx.Exec(`INSERT INTO exec_allowlist (agent_id, pattern, added_at) VALUES (?, ?, ?)`,
			agentID, p, now+int64(i)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PairingStore implements store.PairingStore over the embedded database.
type PairingStore struct {
	db *DB
}

// NewPairingStore wraps an open DB.
func NewPairingStore(db *DB) *PairingStore { return &PairingStore{db: db} }

func (p *PairingStore) RequestPairing(senderID, channel, channelID, agentKey string) (string, error) {
	if rec, err := p.Get(senderID, channel); err == nil && rec != nil && !rec.Approved {
		return rec.Code, nil
	}

	code := uuid.NewString()[:8]
	_, err := p.db.db.Exec(`
		INSERT INTO pairings (code, sender_id, channel, channel_id, agent_key, approved, requested_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (sender_id, channel) DO NOTHING`,
		code, senderID, channel, channelID, agentKey, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	if rec, err := p.Get(senderID, channel); err == nil && rec != nil {
		return rec.Code, nil
	}
	return code, nil
}

func (p *PairingStore) IsPaired(senderID, channel string) bool {
	var approved int
	err := p.db.db.QueryRow(`SELECT approved FROM pairings WHERE sender_id = ? AND channel = ?`,
		senderID, channel).Scan(&approved)
	return err == nil && approved == 1
}

func (p *PairingStore) Approve(code string) (*store.PairingRecord, error) {
	res, err := p.db.db.Exec(`UPDATE pairings SET approved = 1, approved_at = ? WHERE code = ?`,
		time.Now().UnixMilli(), code)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("pairing code %s not found", code)
	}
	return p.byCode(code)
}

func (p *PairingStore) Get(senderID, channel string) (*store.PairingRecord, error) {
	row := p.db.db.QueryRow(`
		SELECT code, sender_id, channel, channel_id, agent_key, approved, requested_at, approved_at
		FROM pairings WHERE sender_id = ? AND channel = ?`, senderID, channel)
	return scanPairing(row)
}

func (p *PairingStore) byCode(code string) (*store.PairingRecord, error) {
	row := p.db.db.QueryRow(`
		SELECT code, sender_id, channel, channel_id, agent_key, approved, requested_at, approved_at
		FROM pairings WHERE code = ?`, code)
	return scanPairing(row)
}

func (p *PairingStore) List() []*store.PairingRecord {
	rows, err := p.db.db.Query(`
		SELECT code, sender_id, channel, channel_id, agent_key, approved, requested_at, approved_at
		FROM pairings ORDER BY requested_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*store.PairingRecord
	for rows.Next() {
		if rec, err := scanPairing(rows); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPairing(row scannable) (*store.PairingRecord, error) {
	var rec store.PairingRecord
	var approved int
	var requestedAt, approvedAt int64
	if err := row.Scan(&rec.Code, &rec.SenderID, &rec.Channel, &rec.ChannelID,
		&rec.AgentKey, &approved, &requestedAt, &approvedAt); err != nil {
		return nil, err
	}
	rec.Approved = approved == 1
	rec.RequestedAt = time.UnixMilli(requestedAt)
	if approvedAt > 0 {
		rec.ApprovedAt = time.UnixMilli(approvedAt)
	}
	return &rec, nil
}

var _ store.PairingStore = (*PairingStore)(nil)
