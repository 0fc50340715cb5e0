package aria

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection for persona memory persistence. It backs
// the default (non-Qdrant) VectorStore implementation and also owns the
// access-bump queue and waypoint graph.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database and runs migrations.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("aria: mkdir %s: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("aria: open db: %w", err)
	}

	// Single connection: the memory manager serializes writes per persona
	// anyway, and this avoids SQLITE_BUSY contention with the access-bump
	// and decay workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("aria: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)

	var version int
	s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memories (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				persona_id        TEXT    NOT NULL,
				content           TEXT    NOT NULL,
				embedding         BLOB,
				importance        REAL    NOT NULL DEFAULT 0.5,
				created_at        TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
				last_accessed_at  TEXT,
				access_count      INTEGER NOT NULL DEFAULT 0,
				kind              TEXT    NOT NULL DEFAULT '',
				visibility        TEXT    NOT NULL DEFAULT 'private',
				related_personas  TEXT    NOT NULL DEFAULT '',
				emotional_valence REAL    NOT NULL DEFAULT 0,
				metadata          TEXT    NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_memories_persona    ON memories(persona_id);
			CREATE INDEX IF NOT EXISTS idx_memories_visibility ON memories(visibility);
			CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);

			CREATE TABLE IF NOT EXISTS decay_state (
				persona_id      TEXT PRIMARY KEY,
				last_decayed_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS prune_state (
				persona_id     TEXT PRIMARY KEY,
				last_pruned_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS access_bumps (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				memory_id INTEGER NOT NULL,
				bumped_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
			);

			CREATE TABLE IF NOT EXISTS waypoints (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				entity_text TEXT NOT NULL UNIQUE,
				entity_type TEXT NOT NULL DEFAULT 'unknown'
			);
			CREATE INDEX IF NOT EXISTS idx_waypoints_entity ON waypoints(entity_text);

			CREATE TABLE IF NOT EXISTS associations (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				memory_id   INTEGER NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
				waypoint_id INTEGER NOT NULL REFERENCES waypoints(id) ON DELETE CASCADE,
				weight      REAL    NOT NULL DEFAULT 0.5,
				UNIQUE(memory_id, waypoint_id)
			);
			CREATE INDEX IF NOT EXISTS idx_assoc_memory   ON associations(memory_id);
			CREATE INDEX IF NOT EXISTS idx_assoc_waypoint ON associations(waypoint_id);

			PRAGMA foreign_keys = ON;
		`); err != nil {
			return err
		}
		s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}

	return nil
}

// Close shuts down the database connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Vector encoding ---

// EncodeVector converts a float32 slice to a little-endian byte blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector converts a little-endian byte blob back to a float32 slice.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

const timeLayout = "2006-01-02 15:04:05.999999999"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// --- Memory CRUD ---

const memoryCols = `id, persona_id, content, embedding, importance, created_at,
	last_accessed_at, access_count, kind, visibility, related_personas,
	emotional_valence, metadata`

func scanMemory(scan func(...any) error) (Memory, error) {
	var m Memory
	var created string
	var lastAccessed sql.NullString
	var embedding []byte
	var related, metadataJSON string

	if err := scan(&m.ID, &m.PersonaID, &m.Content, &embedding, &m.Importance, &created,
		&lastAccessed, &m.AccessCount, &m.Kind, &m.Visibility, &related,
		&m.EmotionalValence, &metadataJSON); err != nil {
		return m, err
	}

	m.CreatedAt = parseTime(created)
	if lastAccessed.Valid && lastAccessed.String != "" {
		t := parseTime(lastAccessed.String)
		m.LastAccessedAt = &t
	}
	if len(embedding) > 0 {
		m.Embedding = DecodeVector(embedding)
	}
	if related != "" {
		m.RelatedPersonas = strings.Split(related, ",")
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		json.Unmarshal([]byte(metadataJSON), &m.Metadata)
	}
	return m, nil
}

// InsertMemory stores a new memory row and returns its ID. This is the
// single-writer-per-collection mutation the memory manager serializes.
func (s *Store) InsertMemory(m Memory) (int64, error) {
	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return 0, err
	}
	var embedding []byte
	if m.Embedding != nil {
		embedding = EncodeVector(m.Embedding)
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var lastAccessed any
	if m.LastAccessedAt != nil {
		lastAccessed = formatTime(*m.LastAccessedAt)
	}

	res, err := s.db.Exec(`
		INSERT INTO memories (persona_id, content, embedding, importance, created_at,
			last_accessed_at, access_count, kind, visibility, related_personas,
			emotional_valence, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PersonaID, m.Content, embedding, m.Importance, formatTime(createdAt),
		lastAccessed, m.AccessCount, m.Kind, string(m.Visibility), strings.Join(m.RelatedPersonas, ","),
		m.EmotionalValence, string(metadataJSON),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetMemory loads a single memory by id.
func (s *Store) GetMemory(id int64) (Memory, error) {
	row := s.db.QueryRow(`SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	return scanMemory(row.Scan)
}

// GetAllMemories returns every memory owned by a persona: the
// full-collection scan the decay worker and pruner build on.
func (s *Store) GetAllMemories(personaID string) ([]Memory, error) {
	rows, err := s.db.Query(`SELECT `+memoryCols+` FROM memories WHERE persona_id = ?`, personaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMemoriesFiltered applies a minimum importance threshold, matching the
// vector store query filter.
func (s *Store) GetMemoriesFiltered(personaID string, minImportance float64) ([]Memory, error) {
	rows, err := s.db.Query(`SELECT `+memoryCols+` FROM memories WHERE persona_id = ? AND importance >= ?`, personaID, minImportance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMemoriesByVisibility returns memories for a persona matching any of the
// given visibilities, used by cross-persona search.
func (s *Store) GetMemoriesByVisibility(personaID string, visibilities []Visibility, minImportance float64) ([]Memory, error) {
	if len(visibilities) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(visibilities))
	args := []any{personaID}
	for i, v := range visibilities {
		placeholders[i] = "?"
		args = append(args, string(v))
	}
	args = append(args, minImportance)

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE persona_id = ? AND visibility IN (%s) AND importance >= ?`,
		memoryCols, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMemoryAt returns the creation time of a persona's most recently
// stored memory, used by the Importance Scorer's temporal signal.
func (s *Store) LastMemoryAt(personaID string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRow(`SELECT created_at FROM memories WHERE persona_id = ? ORDER BY created_at DESC LIMIT 1`, personaID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(ts), true, nil
}

// ListPersonaIDs returns every distinct persona id with stored memories.
func (s *Store) ListPersonaIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT persona_id FROM memories`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateImportanceBatch writes new importance values for a set of memory ids
// atomically per id.
func (s *Store) UpdateImportanceBatch(updates map[int64]float64) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE memories SET importance = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, imp := range updates {
		if _, err := stmt.Exec(imp, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateMetadataBatch applies paired metadata maps to memory rows, one map
// per id, atomically per id. The reserved "importance" key writes the
// importance column; every other key overwrites that entry in the row's
// extensional metadata, leaving unmentioned entries intact.
func (s *Store) UpdateMetadataBatch(ids []int64, metadata []map[string]string) error {
	if len(ids) != len(metadata) {
		return errInvariant("store.update_metadata_batch", "ids and metadata must be paired")
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, id := range ids {
		extension := make(map[string]string)
		for k, v := range metadata[i] {
			if k == "importance" {
				imp, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return errInvariant("store.update_metadata_batch", "importance must be numeric: "+v)
				}
				if _, err := tx.Exec(`UPDATE memories SET importance = ? WHERE id = ?`, imp, id); err != nil {
					return err
				}
				continue
			}
			extension[k] = v
		}
		if len(extension) == 0 {
			continue
		}

		var existing string
		if err := tx.QueryRow(`SELECT metadata FROM memories WHERE id = ?`, id).Scan(&existing); err != nil {
			if err == sql.ErrNoRows {
				continue // deleted since the caller read it
			}
			return err
		}
		merged := make(map[string]string)
		json.Unmarshal([]byte(existing), &merged)
		for k, v := range extension {
			merged[k] = v
		}
		buf, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE memories SET metadata = ? WHERE id = ?`, string(buf), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMemories removes a batch of memory ids. Deletions are committed
// per-call, in batch-sized atomic groups with no rollback across calls.
func (s *Store) DeleteMemories(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM memories WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	return err
}

// --- Access bumps (best-effort, eventually-visible queue) ---

// QueueAccessBump enqueues a read-triggered access bump for a memory. The
// queue is shared by all personas and drained by the memory manager's one
// access-bump worker (there is no per-persona drainer); a bump on
// a deleted id is a no-op once drained.
func (s *Store) QueueAccessBump(memoryID int64) error {
	_, err := s.db.Exec(`INSERT INTO access_bumps (memory_id) VALUES (?)`, memoryID)
	return err
}

// DrainAccessBumps applies and clears all queued bumps, coalescing repeats
// of the same memory id into one UPDATE that adds the number of queued
// bumps to its access_count. It returns the number of distinct memory ids.
func (s *Store) DrainAccessBumps() (applied int, err error) {
	rows, err := s.db.Query(`SELECT id, memory_id FROM access_bumps ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}

	counts := make(map[int64]int)
	var maxID int64
	for rows.Next() {
		var id, memID int64
		if err := rows.Scan(&id, &memID); err != nil {
			rows.Close()
			return 0, err
		}
		counts[memID]++
		if id > maxID {
			maxID = id
		}
	}
	rows.Close()
	if len(counts) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE memories SET access_count = access_count + ?, last_accessed_at = strftime('%Y-%m-%d %H:%M:%f', 'now') WHERE id = ?`)
	if err != nil {
		return 0, err
	}
	for id, n := range counts {
		if _, err := stmt.Exec(n, id); err != nil {
			stmt.Close()
			return 0, err
		}
	}
	stmt.Close()

	if _, err := tx.Exec(`DELETE FROM access_bumps WHERE id <= ?`, maxID); err != nil {
		return 0, err
	}
	return len(counts), tx.Commit()
}

// --- Decay / prune bookkeeping ---

// LastDecayedAt returns the persona's last decay cycle timestamp and whether
// one has ever run; the worker puts never-decayed personas first in line.
func (s *Store) LastDecayedAt(personaID string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_decayed_at FROM decay_state WHERE persona_id = ?`, personaID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(ts), true, nil
}

// MarkDecayed records that a persona's collection was just swept.
func (s *Store) MarkDecayed(personaID string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO decay_state (persona_id, last_decayed_at) VALUES (?, ?)
		ON CONFLICT(persona_id) DO UPDATE SET last_decayed_at = excluded.last_decayed_at`,
		personaID, formatTime(at),
	)
	return err
}

// LastPrunedAt returns the persona's last prune timestamp, if any.
func (s *Store) LastPrunedAt(personaID string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_pruned_at FROM prune_state WHERE persona_id = ?`, personaID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(ts), true, nil
}

// MarkPruned records that a persona's collection was just pruned.
func (s *Store) MarkPruned(personaID string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO prune_state (persona_id, last_pruned_at) VALUES (?, ?)
		ON CONFLICT(persona_id) DO UPDATE SET last_pruned_at = excluded.last_pruned_at`,
		personaID, formatTime(at),
	)
	return err
}

// --- Waypoint graph (entity-link retrieval booster) ---

// UpsertWaypoint inserts or finds a waypoint by entity text, returns its ID.
func (s *Store) UpsertWaypoint(text, entityType string) (int64, error) {
	_, err := s.db.Exec(`
		INSERT INTO waypoints (entity_text, entity_type) VALUES (?, ?)
		ON CONFLICT(entity_text) DO UPDATE SET entity_type = excluded.entity_type`,
		text, entityType,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(`SELECT id FROM waypoints WHERE entity_text = ?`, text).Scan(&id)
	return id, err
}

// InsertAssociation links a memory to a waypoint with a weight.
func (s *Store) InsertAssociation(memoryID, waypointID int64, weight float64) error {
	_, err := s.db.Exec(`
		INSERT INTO associations (memory_id, waypoint_id, weight) VALUES (?, ?, ?)
		ON CONFLICT(memory_id, waypoint_id) DO UPDATE SET weight = MAX(weight, excluded.weight)`,
		memoryID, waypointID, weight,
	)
	return err
}

// GetAssociatedWaypointIDs returns waypoint IDs linked to a memory.
func (s *Store) GetAssociatedWaypointIDs(memoryID int64) ([]int64, error) {
	rows, err := s.db.Query(`SELECT waypoint_id FROM associations WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetMemoriesByWaypoint returns memories linked to a waypoint, excluding a set of IDs.
func (s *Store) GetMemoriesByWaypoint(waypointID int64, personaID string, excludeIDs map[int64]bool) ([]Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryCols+`
		FROM associations a
		JOIN memories m ON m.id = a.memory_id
		WHERE a.waypoint_id = ? AND m.persona_id = ?`,
		waypointID, personaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		if excludeIDs[m.ID] {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Stats ---

// CollectionStats is the result of MemoryManager.Stats.
type CollectionStats struct {
	Total         int
	ByKind        map[string]int
	ByVisibility  map[string]int
	AvgImportance float64
}

// Stats computes per-persona collection statistics directly from the store.
func (s *Store) Stats(personaID string) (CollectionStats, error) {
	stats := CollectionStats{ByKind: map[string]int{}, ByVisibility: map[string]int{}}

	rows, err := s.db.Query(`SELECT kind, visibility, importance FROM memories WHERE persona_id = ?`, personaID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	var sumImportance float64
	for rows.Next() {
		var kind, vis string
		var imp float64
		if err := rows.Scan(&kind, &vis, &imp); err != nil {
			return stats, err
		}
		stats.Total++
		stats.ByKind[kind]++
		stats.ByVisibility[vis]++
		sumImportance += imp
	}
	if stats.Total > 0 {
		stats.AvgImportance = sumImportance / float64(stats.Total)
	}
	return stats, rows.Err()
}
