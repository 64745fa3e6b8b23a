package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AnonymousUser is the sentinel user id for unauthenticated callers. No
// credential lookup is ever performed for it.
const AnonymousUser = "anonymous"

// Store wraps the PocketBase SQLite database with methods for credentials,
// documents, user needs, and prompt templates.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database in dataDir and runs pending
// migrations. The file name matches the PocketBase layout (data.db) so the
// service can share the dashboard's database directory. Pass ":memory:" as
// dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "data.db")
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

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
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

// DB exposes the underlying handle for tests and migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
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

// --- Credentials ---

// GetCredential returns the stored API key for subjectUserID.
//
// The single access-control rule of the system lives here: when callerUserID
// is set and differs from subjectUserID the call fails with ErrUnauthorized
// before any query runs. An empty or anonymous subject returns ErrNotFound
// without querying. Otherwise the most recently updated active row wins.
func (s *Store) GetCredential(subjectUserID, callerUserID string) (string, error) {
	if callerUserID != "" && subjectUserID != callerUserID {
		s.logger.Warn("security violation: cross-user credential access denied",
			"caller", callerUserID, "subject", subjectUserID)
		return "", ErrUnauthorized
	}

	if subjectUserID == "" || subjectUserID == AnonymousUser {
		return "", ErrNotFound
	}

	var secret string
	err := s.db.QueryRow(
		`SELECT secret FROM credentials WHERE user_id = ? AND active = 1 ORDER BY updated DESC LIMIT 1`,
		subjectUserID,
	).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential for user %s: %w", subjectUserID, err)
	}
	return secret, nil
}

// SaveCredential stores an API key for a user. If any row already exists for
// the user (regardless of active flag) its secret and timestamp are updated
// in place; otherwise a new active row is inserted. The check-then-write
// sequence is not atomic; the single poller/dashboard writer makes that
// acceptable here.
func (s *Store) SaveCredential(userID, secret string) error {
	if userID == "" || secret == "" {
		return fmt.Errorf("userID and secret are required")
	}

	now := time.Now().UTC().Format(time.RFC3339)

	var existingID string
	err := s.db.QueryRow(`SELECT id FROM credentials WHERE user_id = ? LIMIT 1`, userID).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			`INSERT INTO credentials (id, user_id, provider, secret, name, active, created, updated)
			 VALUES (?, ?, 'openai', ?, 'Auto-saved', 1, ?, ?)`,
			uuid.New().String(), userID, secret, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting credential: %w", err)
		}
	case err != nil:
		return fmt.Errorf("checking existing credential: %w", err)
	default:
		_, err = s.db.Exec(
			`UPDATE credentials SET secret = ?, updated = ? WHERE user_id = ?`,
			secret, now, userID,
		)
		if err != nil {
			return fmt.Errorf("updating credential: %w", err)
		}
	}
	return nil
}

// --- Documents ---

// NewDocumentID generates an identifier for a document row. Rows are created
// with application-side ids so the poller can report them before the insert.
func NewDocumentID() string {
	return uuid.New().String()
}

// SaveDocument inserts a document row. The id must be set by the caller;
// created/updated are stamped when zero.
func (s *Store) SaveDocument(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}

	created := doc.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := doc.Updated
	if updated.IsZero() {
		updated = created
	}

	generated := 0
	if doc.GeneratedByAI {
		generated = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO documents (id, title, content, project_id, user_id, document_type, type, request_id, created_by, generated_by_ai, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.ProjectID, doc.UserID, doc.DocumentType,
		doc.Type, doc.RequestID, doc.CreatedBy, generated,
		created.Format(time.RFC3339), updated.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

// ListRecentDocuments returns the newest documents, newest first.
func (s *Store) ListRecentDocuments(limit int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, title, content, project_id, user_id, document_type, type, request_id, created_by, generated_by_ai, created, updated
		FROM documents ORDER BY created DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var generated int
		var created, updated string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.ProjectID, &d.UserID, &d.DocumentType,
			&d.Type, &d.RequestID, &d.CreatedBy, &generated, &created, &updated); err != nil {
			return nil, err
		}
		d.GeneratedByAI = generated != 0
		if d.Created, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("parsing created for document %s: %w", d.ID, err)
		}
		if d.Updated, err = time.Parse(time.RFC3339, updated); err != nil {
			return nil, fmt.Errorf("parsing updated for document %s: %w", d.ID, err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- User needs ---

// GetUserNeed loads a user-need row. Timestamps are passed through as stored
// because they end up verbatim in generation prompts.
func (s *Store) GetUserNeed(id string) (UserNeed, error) {
	var n UserNeed
	err := s.db.QueryRow(`
		SELECT id, thema, beschreibung, user_id, project_id, status, created, updated
		FROM user_needs WHERE id = ?`, id,
	).Scan(&n.ID, &n.Topic, &n.Description, &n.UserID, &n.ProjectID, &n.Status, &n.Created, &n.Updated)
	if err == sql.ErrNoRows {
		return UserNeed{}, ErrNotFound
	}
	if err != nil {
		return UserNeed{}, fmt.Errorf("querying user need %s: %w", id, err)
	}
	return n, nil
}

// --- System prompts ---

// ListActiveSystemPrompts returns all active prompt templates ordered by type.
func (s *Store) ListActiveSystemPrompts() ([]SystemPrompt, error) {
	rows, err := s.db.Query(`
		SELECT id, prompt_type, prompt_text, description, version, active
		FROM system_prompts WHERE active = 1 ORDER BY prompt_type`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SystemPrompt
	for rows.Next() {
		var p SystemPrompt
		var active int
		if err := rows.Scan(&p.ID, &p.PromptType, &p.PromptText, &p.Description, &p.Version, &active); err != nil {
			return nil, err
		}
		p.Active = active != 0
		results = append(results, p)
	}
	return results, rows.Err()
}
