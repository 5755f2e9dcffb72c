// Package store persists builds and credentials in a SQL database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/secrets"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

type dialect struct {
	idColumn  string
	textType  string
	returning bool
	numbered  bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT", textType: "TEXT", returning: true},
	DriverMySQL:    {idColumn: "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY", textType: "LONGTEXT"},
	DriverPostgres: {idColumn: "BIGSERIAL PRIMARY KEY", textType: "TEXT", returning: true, numbered: true},
}

// rebind rewrites ? placeholders to $n for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements build.Store and secrets.Resolver.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database and creates missing tables.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Shared-cache sqlite reports SQLITE_LOCKED under concurrent writers.
		db.SetMaxOpenConns(1)
	}
	s, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return &Store{db: db, dialect: d}, nil
}

// DB exposes the underlying pool, e.g. for pool tuning.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables used by the store if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			id ` + s.dialect.idColumn + `,
			job_id BIGINT NOT NULL,
			job_name VARCHAR(255) NOT NULL,
			commit_sha VARCHAR(64) NOT NULL,
			commit_message ` + s.dialect.textType + ` NOT NULL,
			branch VARCHAR(255) NOT NULL,
			repository_url VARCHAR(2048) NOT NULL,
			repository_owner VARCHAR(255) NOT NULL,
			repository_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			log ` + s.dialect.textType + ` NOT NULL,
			steps ` + s.dialect.textType + ` NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL,
			triggered_by VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id ` + s.dialect.idColumn + `,
			name VARCHAR(255) NOT NULL,
			username VARCHAR(255) NOT NULL,
			encrypted_password ` + s.dialect.textType + ` NOT NULL,
			encrypted_token ` + s.dialect.textType + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

// insert runs an INSERT and returns the generated id.
func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.dialect.returning {
		var id int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SaveBuild inserts b and sets its ID.
func (s *Store) SaveBuild(ctx context.Context, b *build.Build) error {
	steps, err := marshalSteps(b.Steps)
	if err != nil {
		return err
	}
	id, err := s.insert(ctx,
		`INSERT INTO builds (job_id, job_name, commit_sha, commit_message, branch, repository_url,
			repository_owner, repository_name, status, log, steps, started_at, completed_at, duration_ns, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.JobID, b.JobName, b.CommitSHA, b.CommitMessage, b.Branch, b.RepositoryURL,
		b.RepositoryOwner, b.RepositoryName, string(b.Status), b.Log, steps,
		unixNano(b.StartedAt), unixNano(b.CompletedAt), int64(b.Duration), b.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save build: %w", err)
	}
	b.ID = id
	return nil
}

// UpdateBuild persists b unless the stored build has already reached a terminal status.
func (s *Store) UpdateBuild(ctx context.Context, b *build.Build) error {
	ok, err := s.update(ctx, b, "")
	if err != nil || ok {
		return err
	}

	// MySQL reports zero affected rows for no-op updates, so confirm why nothing changed.
	current, err := s.FindBuild(ctx, b.ID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: build %d is %s", build.ErrFinished, b.ID, current.Status)
	}
	return nil
}

// SwapBuild persists b only if the stored steps and log still match old.
func (s *Store) SwapBuild(ctx context.Context, old, b *build.Build) error {
	oldSteps, err := marshalSteps(old.Steps)
	if err != nil {
		return err
	}
	ok, err := s.update(ctx, b, " AND steps = ? AND log = ?", oldSteps, old.Log)
	if err != nil || ok {
		return err
	}

	current, err := s.FindBuild(ctx, b.ID)
	if err != nil {
		return err
	}
	switch {
	case current.Status.IsTerminal() && current.Status != b.Status:
		return fmt.Errorf("%w: build %d is %s", build.ErrFinished, b.ID, current.Status)
	case current.Status == b.Status && current.Log == b.Log:
		return nil
	default:
		return fmt.Errorf("%w: build %d", build.ErrConflict, b.ID)
	}
}

// update writes every column of b if its stored status is IN_PROGRESS and the extra
// condition holds. It reports whether a row was changed.
func (s *Store) update(ctx context.Context, b *build.Build, cond string, condArgs ...any) (bool, error) {
	steps, err := marshalSteps(b.Steps)
	if err != nil {
		return false, err
	}
	args := []any{
		b.JobID, b.JobName, b.CommitSHA, b.CommitMessage, b.Branch,
		b.RepositoryURL, b.RepositoryOwner, b.RepositoryName, string(b.Status), b.Log, steps,
		unixNano(b.StartedAt), unixNano(b.CompletedAt), int64(b.Duration), b.TriggeredBy,
		b.ID, string(build.StatusInProgress),
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE builds SET job_id = ?, job_name = ?, commit_sha = ?, commit_message = ?, branch = ?,
			repository_url = ?, repository_owner = ?, repository_name = ?, status = ?, log = ?, steps = ?,
			started_at = ?, completed_at = ?, duration_ns = ?, triggered_by = ?
		WHERE id = ? AND status = ?`+cond),
		append(args, condArgs...)...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update build %d: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update build %d: %w", b.ID, err)
	}
	return n > 0, nil
}

// FindBuild returns the build with the given id.
func (s *Store) FindBuild(ctx context.Context, id int64) (*build.Build, error) {
	var (
		b           build.Build
		status      string
		steps       string
		startedAt   int64
		completedAt int64
		durationNS  int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, job_id, job_name, commit_sha, commit_message, branch, repository_url,
			repository_owner, repository_name, status, log, steps, started_at, completed_at, duration_ns, triggered_by
		FROM builds WHERE id = ?`), id,
	).Scan(
		&b.ID, &b.JobID, &b.JobName, &b.CommitSHA, &b.CommitMessage, &b.Branch, &b.RepositoryURL,
		&b.RepositoryOwner, &b.RepositoryName, &status, &b.Log, &steps, &startedAt, &completedAt, &durationNS, &b.TriggeredBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", build.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build %d: %w", id, err)
	}

	b.Status = build.Status(status)
	b.StartedAt = fromUnixNano(startedAt)
	b.CompletedAt = fromUnixNano(completedAt)
	b.Duration = time.Duration(durationNS)
	if err := json.Unmarshal([]byte(steps), &b.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of build %d: %w", id, err)
	}
	return &b, nil
}

// SaveCredential inserts cred and sets its ID. Secrets must already be encrypted.
func (s *Store) SaveCredential(ctx context.Context, cred *secrets.Credential) error {
	id, err := s.insert(ctx,
		`INSERT INTO credentials (name, username, encrypted_password, encrypted_token) VALUES (?, ?, ?, ?)`,
		cred.Name, cred.Username, cred.EncryptedPassword, cred.EncryptedToken,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	cred.ID = id
	return nil
}

// FindCredential returns the credential with the given id.
func (s *Store) FindCredential(ctx context.Context, id int64) (*secrets.Credential, error) {
	var cred secrets.Credential
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, name, username, encrypted_password, encrypted_token FROM credentials WHERE id = ?`), id,
	).Scan(&cred.ID, &cred.Name, &cred.Username, &cred.EncryptedPassword, &cred.EncryptedToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", secrets.ErrCredentialNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential %d: %w", id, err)
	}
	return &cred, nil
}

func marshalSteps(steps []*build.Step) (string, error) {
	if steps == nil {
		steps = []*build.Step{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to encode steps: %w", err)
	}
	return string(data), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

var (
	_ build.Store      = (*Store)(nil)
	_ secrets.Resolver = (*Store)(nil)
)
