package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/codeexam/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exam_definitions (
		id TEXT PRIMARY KEY,
		language TEXT NOT NULL,
		level TEXT NOT NULL,
		topics TEXT NOT NULL DEFAULT '[]',
		time_limit_minutes INTEGER NOT NULL,
		total_points INTEGER NOT NULL,
		questions TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_attempts (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		time_limit_minutes INTEGER NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY (exam_id) REFERENCES exam_definitions(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_exam_attempts_active
		ON exam_attempts(exam_id, user_id) WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS question_submissions (
		attempt_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		code TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		test_results TEXT NOT NULL DEFAULT '[]',
		score INTEGER NOT NULL DEFAULT 0,
		max_score INTEGER NOT NULL DEFAULT 0,
		passed INTEGER NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		infrastructure_failure INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (attempt_id, question_id),
		FOREIGN KEY (attempt_id) REFERENCES exam_attempts(id)
	);

	CREATE TABLE IF NOT EXISTS exam_results (
		attempt_id TEXT PRIMARY KEY,
		total_score INTEGER NOT NULL,
		total_points INTEGER NOT NULL,
		percentage INTEGER NOT NULL,
		grade TEXT NOT NULL,
		body TEXT NOT NULL,
		computed_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES exam_attempts(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertDefinition stores an exam definition. Definitions are immutable, so an existing ID is an error.
func (s *Store) InsertDefinition(ctx context.Context, d model.ExamDefinition) error {
	topics, err := json.Marshal(d.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	questions, err := json.Marshal(d.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exam_definitions (id, language, level, topics, time_limit_minutes, total_points, questions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Language, d.Level, string(topics), d.TimeLimitMinutes, d.TotalPoints, string(questions), createdAt,
	)
	return err
}

// GetDefinition returns an exam definition by ID.
func (s *Store) GetDefinition(ctx context.Context, id string) (*model.ExamDefinition, error) {
	var (
		d                 model.ExamDefinition
		topics, questions string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, language, level, topics, time_limit_minutes, total_points, questions, created_at
		 FROM exam_definitions WHERE id = ?`, id,
	).Scan(&d.ID, &d.Language, &d.Level, &topics, &d.TimeLimitMinutes, &d.TotalPoints, &questions, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topics), &d.Topics); err != nil {
		return nil, fmt.Errorf("decode topics of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(questions), &d.Questions); err != nil {
		return nil, fmt.Errorf("decode questions of %s: %w", id, err)
	}
	return &d, nil
}

// ListDefinitionIDs returns all exam IDs, newest first.
func (s *Store) ListDefinitionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM exam_definitions ORDER BY created_at DESC, id`)
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
