package storage

import (
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that lexicographic order of the stored text
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps a SQLite database holding memory, session context, chat turns,
// decisions and prompts.
type Store struct {
	db  *sql.DB
	now func() time.Time

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "siteintel.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{
		db:      db,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) newTurnID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func jsonText(v json.RawMessage) string {
	if len(v) == 0 {
		return "{}"
	}
	return string(v)
}

func validScore(v float64) bool {
	return v >= 0 && v <= 1
}

// --- Long-term memory ---

// UpsertLongTermMemory creates the entry or, when (UserID, Category, Key)
// already exists, replaces its value. The stored confidence becomes the larger
// of the existing and supplied values, so no write can lower it. CreatedAt of
// an existing row is preserved. Returns the stored row.
func (s *Store) UpsertLongTermMemory(m LongTermMemory) (LongTermMemory, error) {
	if m.UserID == "" || m.Category == "" || m.Key == "" {
		return LongTermMemory{}, fmt.Errorf("%w: long-term memory needs user, category and key", ErrInvalid)
	}
	if !validScore(m.Confidence) {
		return LongTermMemory{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, m.Confidence)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := formatTime(s.now())
	_, err := s.db.Exec(`
		INSERT INTO memory_long (id, user_id, category, key, value, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, category, key) DO UPDATE SET
			value = excluded.value,
			confidence = MAX(memory_long.confidence, excluded.confidence),
			updated_at = excluded.updated_at`,
		m.ID, m.UserID, m.Category, m.Key, jsonText(m.Value), m.Confidence, now, now,
	)
	if err != nil {
		return LongTermMemory{}, fmt.Errorf("upserting long-term memory %s/%s: %w", m.Category, m.Key, err)
	}
	return s.getLongTermMemory(m.UserID, m.Category, m.Key)
}

// ReinforceLongTermMemory creates m at its own confidence or, when the entry
// already exists, raises the stored confidence by inc (capped at 1, rounded to
// hundredths) and merges patch into the stored JSON value. Both happen in one
// statement, so concurrent reinforcements of the same entry all count.
// created reports whether the row was inserted.
func (s *Store) ReinforceLongTermMemory(m LongTermMemory, patch json.RawMessage, inc float64) (stored LongTermMemory, created bool, err error) {
	if m.UserID == "" || m.Category == "" || m.Key == "" {
		return LongTermMemory{}, false, fmt.Errorf("%w: long-term memory needs user, category and key", ErrInvalid)
	}
	if !validScore(m.Confidence) {
		return LongTermMemory{}, false, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, m.Confidence)
	}
	if inc < 0 || inc > 1 {
		return LongTermMemory{}, false, fmt.Errorf("%w: increment %v outside [0,1]", ErrInvalid, inc)
	}
	if len(patch) == 0 {
		patch = json.RawMessage(`{}`)
	}
	if !json.Valid(patch) {
		return LongTermMemory{}, false, fmt.Errorf("%w: value patch is not JSON", ErrInvalid)
	}
	id := uuid.New().String()
	now := formatTime(s.now())

	// A stored value that is not valid JSON is replaced by the patch.
	row := s.db.QueryRow(`
		INSERT INTO memory_long (id, user_id, category, key, value, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, category, key) DO UPDATE SET
			value = CASE WHEN json_valid(memory_long.value)
				THEN json_patch(memory_long.value, ?)
				ELSE json(?) END,
			confidence = MIN(1.0, ROUND(memory_long.confidence + ?, 2)),
			updated_at = excluded.updated_at
		RETURNING id, user_id, category, key, value, confidence, created_at, updated_at`,
		id, m.UserID, m.Category, m.Key, jsonText(m.Value), m.Confidence, now, now,
		string(patch), string(patch), inc,
	)
	stored, err = scanLongTerm(row)
	if err != nil {
		return LongTermMemory{}, false, fmt.Errorf("reinforcing long-term memory %s/%s: %w", m.Category, m.Key, err)
	}
	return stored, stored.ID == id, nil
}

func (s *Store) getLongTermMemory(userID, category, key string) (LongTermMemory, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, category, key, value, confidence, created_at, updated_at
		FROM memory_long WHERE user_id = ? AND category = ? AND key = ?`,
		userID, category, key,
	)
	m, err := scanLongTerm(row)
	if err == sql.ErrNoRows {
		return LongTermMemory{}, ErrNotFound
	}
	return m, err
}

// GetLongTermMemory returns a user's long-term entries, optionally restricted
// to one category, ordered by confidence then recency.
func (s *Store) GetLongTermMemory(userID, category string) ([]LongTermMemory, error) {
	query := `SELECT id, user_id, category, key, value, confidence, created_at, updated_at
		FROM memory_long WHERE user_id = ?`
	args := []any{userID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY confidence DESC, updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LongTermMemory
	for rows.Next() {
		m, err := scanLongTerm(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLongTerm(r scanner) (LongTermMemory, error) {
	var m LongTermMemory
	var value, createdAt, updatedAt string
	if err := r.Scan(&m.ID, &m.UserID, &m.Category, &m.Key, &value, &m.Confidence, &createdAt, &updatedAt); err != nil {
		return LongTermMemory{}, err
	}
	m.Value = json.RawMessage(value)
	var err error
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return LongTermMemory{}, err
	}
	if m.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return LongTermMemory{}, err
	}
	return m, nil
}

// --- Short-term memory ---

// SetShortTermMemory creates or replaces the (UserID, Key) entry.
func (s *Store) SetShortTermMemory(m ShortTermMemory) error {
	if m.UserID == "" || m.Key == "" {
		return fmt.Errorf("%w: short-term memory needs user and key", ErrInvalid)
	}
	_, err := s.db.Exec(`
		INSERT INTO memory_short (user_id, key, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		m.UserID, m.Key, jsonText(m.Value), formatTime(m.ExpiresAt),
	)
	return err
}

// GetShortTermMemory returns the stored entry regardless of expiry; callers
// decide whether an expired entry is still usable.
func (s *Store) GetShortTermMemory(userID, key string) (ShortTermMemory, error) {
	var m ShortTermMemory
	var value, expiresAt string
	err := s.db.QueryRow(`SELECT user_id, key, value, expires_at FROM memory_short WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&m.UserID, &m.Key, &value, &expiresAt)
	if err == sql.ErrNoRows {
		return ShortTermMemory{}, ErrNotFound
	}
	if err != nil {
		return ShortTermMemory{}, err
	}
	m.Value = json.RawMessage(value)
	if m.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return ShortTermMemory{}, err
	}
	return m, nil
}

// --- Session context ---

// AddSessionContext appends a session-scoped fact.
func (s *Store) AddSessionContext(c SessionContext) (SessionContext, error) {
	if c.SessionID == "" || c.Type == "" {
		return SessionContext{}, fmt.Errorf("%w: session context needs session and type", ErrInvalid)
	}
	if !validScore(c.Relevance) {
		return SessionContext{}, fmt.Errorf("%w: relevance %v outside [0,1]", ErrInvalid, c.Relevance)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = s.now().UTC()
	if len(c.Context) == 0 {
		c.Context = json.RawMessage("{}")
	}

	var expiresAt sql.NullString
	if c.ExpiresAt != nil {
		expiresAt = sql.NullString{String: formatTime(*c.ExpiresAt), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO session_context (id, session_id, user_id, type, entity_id, context, relevance, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.UserID, c.Type, c.EntityID, string(c.Context), c.Relevance, expiresAt, formatTime(c.CreatedAt),
	)
	if err != nil {
		return SessionContext{}, err
	}
	return c, nil
}

// GetSessionContext returns every entry for the session in insertion order,
// expired ones included.
func (s *Store) GetSessionContext(sessionID string) ([]SessionContext, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, type, entity_id, context, relevance, expires_at, created_at
		FROM session_context WHERE session_id = ? ORDER BY created_at ASC, seq ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SessionContext
	for rows.Next() {
		var c SessionContext
		var context, createdAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &c.UserID, &c.Type, &c.EntityID, &context, &c.Relevance, &expiresAt, &createdAt); err != nil {
			return nil, err
		}
		c.Context = json.RawMessage(context)
		if expiresAt.Valid {
			t, err := parseTime("expires_at", expiresAt.String)
			if err != nil {
				return nil, err
			}
			c.ExpiresAt = &t
		}
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Sessions ---

// ClaimSession records userID as the owner of sessionID when the session has
// no owner yet. It returns ErrNotOwner when another user already owns it.
func (s *Store) ClaimSession(sessionID, userID string) error {
	if sessionID == "" || userID == "" {
		return fmt.Errorf("%w: session claim needs session and user", ErrInvalid)
	}
	if _, err := s.db.Exec(`
		INSERT INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, userID, formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("claiming session %s: %w", sessionID, err)
	}
	owner, err := s.SessionOwner(sessionID)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrNotOwner
	}
	return nil
}

// SessionOwner returns the user that owns sessionID, or ErrNotFound for a
// session nobody has claimed.
func (s *Store) SessionOwner(sessionID string) (string, error) {
	var owner string
	err := s.db.QueryRow(`SELECT user_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading session owner: %w", err)
	}
	return owner, nil
}

// --- Chat turns ---

// AppendChatTurn persists a turn. ID, CreatedAt and Seq are assigned here;
// caller-supplied values for them are ignored.
func (s *Store) AppendChatTurn(t ChatTurn) (ChatTurn, error) {
	if t.SessionID == "" {
		return ChatTurn{}, fmt.Errorf("%w: chat turn needs a session", ErrInvalid)
	}
	switch t.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return ChatTurn{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, t.Role)
	}

	t.CreatedAt = s.now().UTC()
	t.ID = s.newTurnID(t.CreatedAt)

	var metadata sql.NullString
	if len(t.Metadata) > 0 {
		metadata = sql.NullString{String: string(t.Metadata), Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT INTO chat_turns (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Role, t.Content, metadata, formatTime(t.CreatedAt),
	)
	if err != nil {
		return ChatTurn{}, err
	}
	if t.Seq, err = res.LastInsertId(); err != nil {
		return ChatTurn{}, fmt.Errorf("reading turn sequence: %w", err)
	}
	return t, nil
}

// GetSessionMessages returns all turns of a session, oldest first.
func (s *Store) GetSessionMessages(sessionID string) ([]ChatTurn, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, session_id, role, content, metadata, created_at
		FROM chat_turns WHERE session_id = ? ORDER BY created_at ASC, seq ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChatTurn
	for rows.Next() {
		var t ChatTurn
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&t.Seq, &t.ID, &t.SessionID, &t.Role, &t.Content, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if metadata.Valid {
			t.Metadata = json.RawMessage(metadata.String)
		}
		if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- Decisions ---

// CreateDecision appends a decision record.
func (s *Store) CreateDecision(d Decision) (Decision, error) {
	if d.SessionID == "" || d.DecisionType == "" {
		return Decision{}, fmt.Errorf("%w: decision needs session and type", ErrInvalid)
	}
	if !validScore(d.Confidence) {
		return Decision{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, d.Confidence)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = s.now().UTC()

	var impact sql.NullFloat64
	if d.ImpactValue != nil {
		impact = sql.NullFloat64{Float64: *d.ImpactValue, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO decisions (id, session_id, user_id, decision_type, decision, reasoning, confidence, impact_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.UserID, d.DecisionType, jsonText(d.Decision), d.Reasoning, d.Confidence, impact, formatTime(d.CreatedAt),
	)
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// GetRecentDecisions returns up to n decisions for the session, newest first.
func (s *Store) GetRecentDecisions(sessionID string, n int) ([]Decision, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, decision_type, decision, reasoning, confidence, impact_value, created_at
		FROM decisions WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Decision
	for rows.Next() {
		var d Decision
		var payload, createdAt string
		var impact sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.SessionID, &d.UserID, &d.DecisionType, &payload, &d.Reasoning, &d.Confidence, &impact, &createdAt); err != nil {
			return nil, err
		}
		d.Decision = json.RawMessage(payload)
		if impact.Valid {
			v := impact.Float64
			d.ImpactValue = &v
		}
		if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Prompts ---

// CreatePrompt saves a system or project prompt.
func (s *Store) CreatePrompt(p Prompt) (Prompt, error) {
	if p.UserID == "" || p.Name == "" {
		return Prompt{}, fmt.Errorf("%w: prompt needs user and name", ErrInvalid)
	}
	if p.Type != PromptSystem && p.Type != PromptProject {
		return Prompt{}, fmt.Errorf("%w: unknown prompt type %q", ErrInvalid, p.Type)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = s.now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO prompts (id, user_id, name, type, content, priority, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Type, p.Content, p.Priority, p.Active, formatTime(p.CreatedAt),
	)
	if err != nil {
		return Prompt{}, err
	}
	return p, nil
}

// GetPrompts returns a user's active prompts, highest priority first. An
// empty typ returns both system and project prompts.
func (s *Store) GetPrompts(userID, typ string) ([]Prompt, error) {
	query := `SELECT id, user_id, name, type, content, priority, active, created_at
		FROM prompts WHERE user_id = ? AND active = 1`
	args := []any{userID}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Prompt
	for rows.Next() {
		var p Prompt
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Type, &p.Content, &p.Priority, &p.Active, &createdAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Maintenance ---

// PurgeExpired deletes short-term memory and session context entries whose
// expiry is at or before now. Chat turns and decisions are never purged.
func (s *Store) PurgeExpired(now time.Time) (PurgeResult, error) {
	cutoff := formatTime(now)

	tx, err := s.db.Begin()
	if err != nil {
		return PurgeResult{}, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	var result PurgeResult
	res, err := tx.Exec(`DELETE FROM memory_short WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purging short-term memory: %w", err)
	}
	if result.ShortTerm, err = res.RowsAffected(); err != nil {
		return PurgeResult{}, err
	}

	res, err = tx.Exec(`DELETE FROM session_context WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purging session context: %w", err)
	}
	if result.SessionContext, err = res.RowsAffected(); err != nil {
		return PurgeResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("committing purge: %w", err)
	}
	return result, nil
}
