// Package store is the client-side relational persistence layer: peers,
// channels and chunks, backed by SQLite. Follows
// daemon/manager/persistence.go's shape (a mutex-guarded *sql.DB, an
// initSchema run once at open, one method per CRUD operation) but against
// this module's own schema instead of transfer sessions and bitmaps.
//
// Private key material never lives in these tables; it is sealed
// separately through internal/crypto's Argon2id-wrapped keystore files,
// matching the split in the persisted-state layout between secure
// storage (identity, channel keys) and the plain relational store
// (peers, channels, chunks).
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zajel/zajel/internal/channel"
	"github.com/zajel/zajel/internal/chunkengine"
	"github.com/zajel/zajel/internal/connection"
)

// ErrPeerNotFound is returned by LoadPeer for an unknown stableId.
var ErrPeerNotFound = errors.New("store: peer not found")

// ErrChannelNotFound is returned by LoadChannel for an unknown id.
var ErrChannelNotFound = errors.New("store: channel not found")

// DB is the SQLite-backed store. The zero value is not usable; construct
// with Open.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	d := &DB{db: sqlDB}
	if err := d.initSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS peers (
			stable_id TEXT PRIMARY KEY, public_key BLOB NOT NULL,
			previous_public_key BLOB, key_rotated_at TIMESTAMP,
			key_change_acknowledged INTEGER NOT NULL DEFAULT 0,
			trusted_at TIMESTAMP NOT NULL, alias TEXT, blocked_since TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY, role TEXT NOT NULL, manifest_json TEXT NOT NULL,
			encryption_key_public BLOB NOT NULL, created_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT NOT NULL, channel_id TEXT NOT NULL, routing_hash TEXT NOT NULL,
			sequence INTEGER NOT NULL, chunk_index INTEGER NOT NULL, total_chunks INTEGER NOT NULL,
			size INTEGER NOT NULL, signature BLOB NOT NULL, author_pubkey BLOB NOT NULL,
			encrypted_payload BLOB NOT NULL,
			PRIMARY KEY (chunk_id, channel_id)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_channel ON chunks(channel_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_channel_seq ON chunks(channel_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_chunks_routing ON chunks(routing_hash);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// SavePeer upserts a peer record.
func (d *DB) SavePeer(rec connection.PeerRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO peers (stable_id, public_key, previous_public_key, key_rotated_at,
			key_change_acknowledged, trusted_at, alias, blocked_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stable_id) DO UPDATE SET
			public_key=excluded.public_key, previous_public_key=excluded.previous_public_key,
			key_rotated_at=excluded.key_rotated_at, key_change_acknowledged=excluded.key_change_acknowledged,
			trusted_at=excluded.trusted_at, alias=excluded.alias, blocked_since=excluded.blocked_since
	`, rec.StableId, rec.PublicKey, rec.PreviousPublicKey, rec.KeyRotatedAt,
		rec.KeyChangeAcknowledged, rec.TrustedAt, rec.Alias, rec.BlockedSince)
	if err != nil {
		return fmt.Errorf("store: save peer %s: %w", rec.StableId, err)
	}
	return nil
}

func scanPeer(row *sql.Row) (connection.PeerRecord, error) {
	var rec connection.PeerRecord
	var keyChangeAck int
	err := row.Scan(&rec.StableId, &rec.PublicKey, &rec.PreviousPublicKey, &rec.KeyRotatedAt,
		&keyChangeAck, &rec.TrustedAt, &rec.Alias, &rec.BlockedSince)
	if err == sql.ErrNoRows {
		return connection.PeerRecord{}, ErrPeerNotFound
	}
	if err != nil {
		return connection.PeerRecord{}, err
	}
	rec.KeyChangeAcknowledged = keyChangeAck != 0
	return rec, nil
}

// LoadPeer returns the stored record for stableId, or ErrPeerNotFound.
func (d *DB) LoadPeer(stableId string) (connection.PeerRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT stable_id, public_key, previous_public_key, key_rotated_at,
			key_change_acknowledged, trusted_at, alias, blocked_since
		FROM peers WHERE stable_id = ?
	`, stableId)
	rec, err := scanPeer(row)
	if err != nil && !errors.Is(err, ErrPeerNotFound) {
		return connection.PeerRecord{}, fmt.Errorf("store: load peer %s: %w", stableId, err)
	}
	return rec, err
}

// ListPeers returns every stored peer record.
func (d *DB) ListPeers() ([]connection.PeerRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT stable_id, public_key, previous_public_key, key_rotated_at,
			key_change_acknowledged, trusted_at, alias, blocked_since
		FROM peers
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []connection.PeerRecord
	for rows.Next() {
		var rec connection.PeerRecord
		var keyChangeAck int
		if err := rows.Scan(&rec.StableId, &rec.PublicKey, &rec.PreviousPublicKey, &rec.KeyRotatedAt,
			&keyChangeAck, &rec.TrustedAt, &rec.Alias, &rec.BlockedSince); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		rec.KeyChangeAcknowledged = keyChangeAck != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeletePeer removes stableId's record, e.g. on explicit unblock-and-forget.
func (d *DB) DeletePeer(stableId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Exec(`DELETE FROM peers WHERE stable_id = ?`, stableId); err != nil {
		return fmt.Errorf("store: delete peer %s: %w", stableId, err)
	}
	return nil
}

// SaveChannel upserts a channel's public manifest record. Private key
// material is not accepted here; callers persist it separately via
// internal/crypto's keystore functions.
func (d *DB) SaveChannel(id string, role channel.Role, manifest channel.Manifest, createdAt time.Time) error {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("store: marshal manifest for channel %s: %w", id, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.Exec(`
		INSERT INTO channels (id, role, manifest_json, encryption_key_public, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role=excluded.role, manifest_json=excluded.manifest_json,
			encryption_key_public=excluded.encryption_key_public
	`, id, string(role), string(manifestJSON), manifest.CurrentEncryptKey[:], createdAt)
	if err != nil {
		return fmt.Errorf("store: save channel %s: %w", id, err)
	}
	return nil
}

// ChannelRecord is a channel's persisted public record, as loaded back
// from the channels table.
type ChannelRecord struct {
	Id        string
	Role      channel.Role
	Manifest  channel.Manifest
	CreatedAt time.Time
}

// LoadChannel returns the stored record for id, or ErrChannelNotFound.
func (d *DB) LoadChannel(id string) (ChannelRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var roleStr, manifestJSON string
	var createdAt time.Time
	err := d.db.QueryRow(`SELECT role, manifest_json, created_at FROM channels WHERE id = ?`, id).
		Scan(&roleStr, &manifestJSON, &createdAt)
	if err == sql.ErrNoRows {
		return ChannelRecord{}, ErrChannelNotFound
	}
	if err != nil {
		return ChannelRecord{}, fmt.Errorf("store: load channel %s: %w", id, err)
	}
	var manifest channel.Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &manifest); err != nil {
		return ChannelRecord{}, fmt.Errorf("store: unmarshal manifest for channel %s: %w", id, err)
	}
	return ChannelRecord{Id: id, Role: channel.Role(roleStr), Manifest: manifest, CreatedAt: createdAt}, nil
}

// ListChannels returns every channel this device participates in.
func (d *DB) ListChannels() ([]ChannelRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT id, role, manifest_json, created_at FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelRecord
	for rows.Next() {
		var id, roleStr, manifestJSON string
		var createdAt time.Time
		if err := rows.Scan(&id, &roleStr, &manifestJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		var manifest channel.Manifest
		if err := json.Unmarshal([]byte(manifestJSON), &manifest); err != nil {
			return nil, fmt.Errorf("store: unmarshal manifest for channel %s: %w", id, err)
		}
		out = append(out, ChannelRecord{Id: id, Role: channel.Role(roleStr), Manifest: manifest, CreatedAt: createdAt})
	}
	return out, rows.Err()
}

// SaveChunk persists a chunk received or authored for channelId. Conflicts
// on (chunk_id, channel_id) are overwritten, matching the table's primary
// key.
func (d *DB) SaveChunk(channelId string, c chunkengine.Chunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO chunks (chunk_id, channel_id, routing_hash, sequence, chunk_index,
			total_chunks, size, signature, author_pubkey, encrypted_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id, channel_id) DO UPDATE SET
			routing_hash=excluded.routing_hash, sequence=excluded.sequence,
			chunk_index=excluded.chunk_index, total_chunks=excluded.total_chunks,
			size=excluded.size, signature=excluded.signature,
			author_pubkey=excluded.author_pubkey, encrypted_payload=excluded.encrypted_payload
	`, c.ChunkId, channelId, c.RoutingHash, c.Sequence, c.ChunkIndex, c.TotalChunks,
		c.Size, []byte(c.Signature), []byte(c.AuthorPubkey), c.EncryptedPayload)
	if err != nil {
		return fmt.Errorf("store: save chunk %s: %w", c.ChunkId, err)
	}
	return nil
}

func scanChunk(scan func(dest ...interface{}) error) (chunkengine.Chunk, string, error) {
	var c chunkengine.Chunk
	var channelId string
	var signature, authorPubkey []byte
	err := scan(&c.ChunkId, &channelId, &c.RoutingHash, &c.Sequence, &c.ChunkIndex,
		&c.TotalChunks, &c.Size, &signature, &authorPubkey, &c.EncryptedPayload)
	if err != nil {
		return chunkengine.Chunk{}, "", err
	}
	c.ChannelId = channelId
	c.Signature = signature
	c.AuthorPubkey = authorPubkey
	return c, channelId, nil
}

// ChunkByID looks up a chunk without already knowing its channel — the
// chunk_pull message from the sync service carries only a chunkId.
func (d *DB) ChunkByID(chunkId string) (chunkengine.Chunk, string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT chunk_id, channel_id, routing_hash, sequence, chunk_index, total_chunks,
			size, signature, author_pubkey, encrypted_payload
		FROM chunks WHERE chunk_id = ? LIMIT 1
	`, chunkId)
	c, channelId, err := scanChunk(row.Scan)
	if err == sql.ErrNoRows {
		return chunkengine.Chunk{}, "", false, nil
	}
	if err != nil {
		return chunkengine.Chunk{}, "", false, fmt.Errorf("store: look up chunk %s: %w", chunkId, err)
	}
	return c, channelId, true, nil
}

// ChunksByChannel lists every chunk held locally for channelId, ordered
// for deterministic re-announce batches.
func (d *DB) ChunksByChannel(channelId string) ([]chunkengine.Chunk, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT chunk_id, channel_id, routing_hash, sequence, chunk_index, total_chunks,
			size, signature, author_pubkey, encrypted_payload
		FROM chunks WHERE channel_id = ? ORDER BY sequence, chunk_index
	`, channelId)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks for channel %s: %w", channelId, err)
	}
	defer rows.Close()

	var out []chunkengine.Chunk
	for rows.Next() {
		c, _, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Channels lists every distinct channel id this device holds chunks for,
// used by the sync service to drive its periodic re-announce.
func (d *DB) Channels() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT DISTINCT channel_id FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("store: list chunk channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan chunk channel id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
