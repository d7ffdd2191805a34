package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the emulator's SQLite database: users and tokens, entities and
// table rows, file handles with their bytes, uploads and finished jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating data directory")
		}
		dsn = filepath.Join(dataDir, "emulator.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging database")
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting journal mode")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return errors.Wrap(err, "creating schema_version table")
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "reading migrations directory")
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
			return errors.Wrapf(err, "checking migration %d", version)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return errors.Wrapf(err, "reading migration %s", entry.Name())
		}

		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrapf(err, "beginning transaction for migration %d", version)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "applying migration %d", version)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "recording migration %d", version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "committing migration %d", version)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, errors.Wrapf(err, "parsing migration version from %q", filename)
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

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// --- Users ---

// CreateUser adds a user, or resets the password of an existing one.
func (s *Store) CreateUser(ctx context.Context, userName, password string) (User, error) {
	if userName == "" || password == "" {
		return User{}, errors.Wrap(ErrInvalid, "user name and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (user_name, password_hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_name) DO UPDATE SET password_hash = excluded.password_hash`,
		userName, string(hash), now(),
	)
	if err != nil {
		return User{}, err
	}
	return s.userByName(ctx, userName)
}

func (s *Store) userByName(ctx context.Context, userName string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, user_name, created_at FROM users WHERE user_name = ?`, userName).
		Scan(&u.ID, &u.UserName, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// Authenticate checks a user name and password. A wrong password or an
// unknown user both yield ErrNotFound.
func (s *Store) Authenticate(ctx context.Context, userName, password string) (User, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE user_name = ?`, userName).Scan(&hash)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrNotFound
	}
	return s.userByName(ctx, userName)
}

// IssueToken creates a new access token for userID.
func (s *Store) IssueToken(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO tokens (token, user_id, created_at) VALUES (?, ?, ?)`, token, userID, now()); err != nil {
		return "", err
	}
	return token, nil
}

// UserForToken resolves an access token.
func (s *Store) UserForToken(ctx context.Context, token string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.user_name, u.created_at
		FROM tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = ?`, token,
	).Scan(&u.ID, &u.UserName, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// --- Jobs ---

// SaveJob records a finished job under a new token and returns the token.
func (s *Store) SaveJob(ctx context.Context, userID int64, response, jobErr string) (string, error) {
	token := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (token, user_id, response, error, created_at) VALUES (?, ?, ?, ?, ?)`,
		token, userID, response, jobErr, now(),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetJob returns the job saved under token for userID.
func (s *Store) GetJob(ctx context.Context, userID int64, token string) (Job, error) {
	var j Job
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, user_id, response, error, created_at FROM jobs
		WHERE token = ? AND user_id = ?`, token, userID,
	).Scan(&j.Token, &j.UserID, &j.Response, &j.Error, &createdAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = parseTime(createdAt)
	return j, nil
}
