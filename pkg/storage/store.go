// Package storage is the bridge's Mapping Store: a single SQLite file
// holding the bidirectional message-id index, the user display-name cache,
// the media fingerprint cache, the two retry-record tables, and the
// heartbeat log. Every exported method is synchronous, thread-safe, and
// atomic per call.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/chatrelay/bridge/pkg/coremsg"
	bridgedb "github.com/chatrelay/bridge/pkg/db"
	"github.com/chatrelay/bridge/pkg/log"
)

var logger = log.ForService("mappingstore")

// ErrPendingMigrations is matched (via errors.Is) by the PendingMigrationsError
// Open returns when an existing database file has unrun migrations that must
// be applied with `bridge migrate`. A database recording schema versions
// newer than this binary's migrations is not detected.
var ErrPendingMigrations = fmt.Errorf("database has pending migrations")

// PendingMigrationsError wraps ErrPendingMigrations with the pending count.
type PendingMigrationsError struct {
	Count int
}

func (e *PendingMigrationsError) Error() string {
	return fmt.Sprintf("database has %d pending migrations, run 'bridge migrate' first", e.Count)
}

func (e *PendingMigrationsError) Is(target error) bool { return target == ErrPendingMigrations }
func (e *PendingMigrationsError) Unwrap() error        { return ErrPendingMigrations }

// Store is the Mapping Store: one SQLite file holding every table the
// bridge needs across restarts.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the durable store file at path, tunes it
// for the bridge's write pattern (many small transactional writes, few large
// scans), and brings new databases up to the latest schema automatically.
// Existing databases with unrun migrations fail with PendingMigrationsError
// rather than silently altering schema underneath a running deployment.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = memory",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	mgr := bridgedb.NewMigrationManager(db)
	if err := mgr.EnsureMigrationsTable(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensuring migrations table: %w", err)
	}
	pending, err := mgr.GetPendingMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checking pending migrations: %w", err)
	}
	applied, err := mgr.GetAppliedMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checking applied migrations: %w", err)
	}
	if len(applied) == 0 {
		if err := mgr.ApplyPendingMigrations(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying migrations to new database: %w", err)
		}
	} else if len(pending) > 0 {
		_ = db.Close()
		return nil, &PendingMigrationsError{Count: len(pending)}
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the Retry Queue, which shares this
// same database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Analyze runs ANALYZE to refresh the query planner's statistics, used by
// the `optimize analyze` CLI command.
func (s *Store) Analyze() error {
	if _, err := s.db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("running ANALYZE: %w", err)
	}
	return nil
}

// Vacuum runs VACUUM to defragment the database file.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("running VACUUM: %w", err)
	}
	return nil
}

// WALCheckpoint flushes the write-ahead log back into the main database file.
func (s *Store) WALCheckpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("running WAL checkpoint: %w", err)
	}
	return nil
}

// IntegrityCheck runs SQLite's built-in integrity_check pragma, returning an
// error describing the first reported problem, or nil if the database is
// consistent.
func (s *Store) IntegrityCheck() error {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("running integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}

// AddMapping records a successful forward. Returns false (duplicate) without
// error if the (source_platform, source_message_id, target_platform) triple
// already exists.
func (s *Store) AddMapping(m coremsg.MessageMapping) (ok bool, err error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_mapping
			(source_platform, source_message_id, target_platform, target_message_id)
		VALUES (?, ?, ?, ?)
	`, string(m.SourcePlatform), m.SourceMessageID, string(m.TargetPlatform), m.TargetMessageID)
	if err != nil {
		return false, fmt.Errorf("inserting message mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking mapping insert result: %w", err)
	}
	return n > 0, nil
}

// GetTargetID resolves a source-side message to its forwarded counterpart.
func (s *Store) GetTargetID(srcPlatform coremsg.Platform, srcID string, tgtPlatform coremsg.Platform) (string, bool, error) {
	var targetID string
	err := s.db.QueryRow(`
		SELECT target_message_id FROM message_mapping
		WHERE source_platform = ? AND source_message_id = ? AND target_platform = ?
	`, string(srcPlatform), srcID, string(tgtPlatform)).Scan(&targetID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying target id: %w", err)
	}
	return targetID, true, nil
}

// GetSourceID resolves a target-side message back to the message it was
// forwarded from on originPlatform (the reverse direction of GetTargetID).
func (s *Store) GetSourceID(tgtPlatform coremsg.Platform, tgtID string, originPlatform coremsg.Platform) (string, bool, error) {
	var sourceID string
	err := s.db.QueryRow(`
		SELECT source_message_id FROM message_mapping
		WHERE target_platform = ? AND target_message_id = ? AND source_platform = ?
	`, string(tgtPlatform), tgtID, string(originPlatform)).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying source id: %w", err)
	}
	return sourceID, true, nil
}

// DeleteMapping removes a mapping regardless of which side initiated the
// deletion; recall propagation always deletes.
func (s *Store) DeleteMapping(srcPlatform coremsg.Platform, srcID string, tgtPlatform coremsg.Platform) (bool, error) {
	res, err := s.db.Exec(`
		DELETE FROM message_mapping
		WHERE source_platform = ? AND source_message_id = ? AND target_platform = ?
	`, string(srcPlatform), srcID, string(tgtPlatform))
	if err != nil {
		return false, fmt.Errorf("deleting message mapping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking mapping delete result: %w", err)
	}
	return n > 0, nil
}

// SaveUser upserts a UserDisplayInfo entry, scoped to ConversationID (empty
// string for the platform-global entry, per §6's primary key).
func (s *Store) SaveUser(u coremsg.UserDisplayInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO user_info (platform, user_id, conversation_id, nickname, group_card, title, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (platform, user_id, conversation_id) DO UPDATE SET
			nickname = excluded.nickname,
			group_card = excluded.group_card,
			title = excluded.title,
			last_updated = CURRENT_TIMESTAMP
	`, string(u.Platform), u.UserID, u.ConversationID, u.Nickname, u.GroupCard, u.Title)
	if err != nil {
		return fmt.Errorf("saving user info: %w", err)
	}
	return nil
}

// GetDisplayName resolves the effective display name for (platform, userID),
// preferring the conversation-scoped entry over the platform-global one,
// falling back to userID itself when nothing is cached.
func (s *Store) GetDisplayName(platform coremsg.Platform, userID string, conversationID string) (string, error) {
	if conversationID != "" {
		if u, ok, err := s.lookupUser(platform, userID, conversationID); err != nil {
			return "", err
		} else if ok {
			return u.EffectiveName(), nil
		}
	}
	if u, ok, err := s.lookupUser(platform, userID, ""); err != nil {
		return "", err
	} else if ok {
		return u.EffectiveName(), nil
	}
	return userID, nil
}

func (s *Store) lookupUser(platform coremsg.Platform, userID, conversationID string) (coremsg.UserDisplayInfo, bool, error) {
	var u coremsg.UserDisplayInfo
	err := s.db.QueryRow(`
		SELECT platform, user_id, conversation_id, nickname, group_card, title, last_updated
		FROM user_info WHERE platform = ? AND user_id = ? AND conversation_id = ?
	`, string(platform), userID, conversationID).Scan(
		&u.Platform, &u.UserID, &u.ConversationID, &u.Nickname, &u.GroupCard, &u.Title, &u.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return coremsg.UserDisplayInfo{}, false, nil
	}
	if err != nil {
		return coremsg.UserDisplayInfo{}, false, fmt.Errorf("querying user info: %w", err)
	}
	return u, true, nil
}

// refreshInterval bounds how often ShouldRefreshUser allows a refresh for
// the same (platform, user, conversation) triple, so a chatty conversation
// doesn't re-resolve display names on every message.
const refreshInterval = 10 * time.Minute

// ShouldRefreshUser reports whether the caller should re-fetch display info:
// true on first sight of the triple, throttled to refreshInterval after.
func (s *Store) ShouldRefreshUser(platform coremsg.Platform, userID string, conversationID string) (bool, error) {
	u, ok, err := s.lookupUser(platform, userID, conversationID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return time.Since(u.LastUpdated) >= refreshInterval, nil
}

// SaveHeartbeat records the last-seen-alive status for a connection.
func (s *Store) SaveHeartbeat(platform coremsg.Platform, ts time.Time, raw string) error {
	_, err := s.db.Exec(`
		INSERT INTO heartbeat (platform, last_heartbeat_at, raw_status)
		VALUES (?, ?, ?)
		ON CONFLICT (platform) DO UPDATE SET
			last_heartbeat_at = excluded.last_heartbeat_at,
			raw_status = excluded.raw_status
	`, string(platform), ts, raw)
	if err != nil {
		return fmt.Errorf("saving heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat returns the last recorded heartbeat for platform, or
// (zero-value, false) if none has ever been recorded.
func (s *Store) GetHeartbeat(platform coremsg.Platform) (coremsg.HeartbeatRecord, bool, error) {
	var h coremsg.HeartbeatRecord
	err := s.db.QueryRow(`
		SELECT platform, last_heartbeat_at, raw_status FROM heartbeat WHERE platform = ?
	`, string(platform)).Scan(&h.Platform, &h.LastHeartbeatAt, &h.RawStatus)
	if err == sql.ErrNoRows {
		return coremsg.HeartbeatRecord{}, false, nil
	}
	if err != nil {
		return coremsg.HeartbeatRecord{}, false, fmt.Errorf("querying heartbeat: %w", err)
	}
	return h, true, nil
}

// AllHeartbeats enumerates every recorded connection's heartbeat, used by the
// `status` CLI command. Not on the hot path.
func (s *Store) AllHeartbeats() ([]coremsg.HeartbeatRecord, error) {
	rows, err := s.db.Query(`SELECT platform, last_heartbeat_at, raw_status FROM heartbeat`)
	if err != nil {
		return nil, fmt.Errorf("querying heartbeats: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warnf("closing heartbeat rows: %v", err)
		}
	}()

	var out []coremsg.HeartbeatRecord
	for rows.Next() {
		var h coremsg.HeartbeatRecord
		if err := rows.Scan(&h.Platform, &h.LastHeartbeatAt, &h.RawStatus); err != nil {
			return nil, fmt.Errorf("scanning heartbeat row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SaveMediaFingerprint upserts a cached fingerprint→target-file-id entry.
func (s *Store) SaveMediaFingerprint(f coremsg.MediaFingerprint) error {
	_, err := s.db.Exec(`
		INSERT INTO media_fingerprint
			(fingerprint_hash, peer_file_id, media_kind, is_animated, mime_type, created_at, last_used_at, last_checked_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (fingerprint_hash) DO UPDATE SET
			peer_file_id = excluded.peer_file_id,
			media_kind = excluded.media_kind,
			is_animated = excluded.is_animated,
			mime_type = excluded.mime_type,
			last_used_at = CURRENT_TIMESTAMP,
			last_checked_at = CURRENT_TIMESTAMP
	`, f.FingerprintHash, f.PeerFileID, string(f.MediaKind), f.IsAnimated, f.MimeType)
	if err != nil {
		return fmt.Errorf("saving media fingerprint: %w", err)
	}
	return nil
}

// GetMediaFingerprint looks up a cached fingerprint entry.
func (s *Store) GetMediaFingerprint(hash string) (coremsg.MediaFingerprint, bool, error) {
	var f coremsg.MediaFingerprint
	var mediaKind string
	err := s.db.QueryRow(`
		SELECT fingerprint_hash, peer_file_id, media_kind, is_animated, mime_type, created_at, last_used_at, last_checked_at
		FROM media_fingerprint WHERE fingerprint_hash = ?
	`, hash).Scan(&f.FingerprintHash, &f.PeerFileID, &mediaKind, &f.IsAnimated, &f.MimeType,
		&f.CreatedAt, &f.LastUsedAt, &f.LastCheckedAt)
	if err == sql.ErrNoRows {
		return coremsg.MediaFingerprint{}, false, nil
	}
	if err != nil {
		return coremsg.MediaFingerprint{}, false, fmt.Errorf("querying media fingerprint: %w", err)
	}
	f.MediaKind = coremsg.MediaKind(mediaKind)
	return f, true, nil
}

// TouchFingerprint bumps last_used_at on reuse, without re-verifying the
// cached animated/mime verdict. Nothing in the bridge rechecks a cached
// verdict once saved; entries are not expired by age.
func (s *Store) TouchFingerprint(hash string) error {
	_, err := s.db.Exec(`
		UPDATE media_fingerprint SET last_used_at = CURRENT_TIMESTAMP WHERE fingerprint_hash = ?
	`, hash)
	if err != nil {
		return fmt.Errorf("touching media fingerprint: %w", err)
	}
	return nil
}
