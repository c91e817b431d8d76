package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/codeexam/internal/model"
)

const attemptColumns = `id, exam_id, user_id, status, started_at, time_limit_minutes, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	if err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Status, &a.StartedAt, &a.TimeLimitMinutes, &a.FinishedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// StartAttempt inserts a in one transaction with the lookup of an in-progress attempt for the
// same exam and user. If one exists it is returned with created=false and a is not stored.
func (s *Store) StartAttempt(ctx context.Context, a model.ExamAttempt) (*model.ExamAttempt, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanAttempt(tx.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE exam_id = ? AND user_id = ? AND status = 'in_progress'`, a.ExamID, a.UserID,
	))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO exam_attempts (id, exam_id, user_id, status, started_at, time_limit_minutes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExamID, a.UserID, a.Status, a.StartedAt, a.TimeLimitMinutes,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*model.ExamAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAttemptNotFound
	}
	return a, err
}

// ListAttempts returns the attempts of an exam (all exams if examID is empty), newest first.
func (s *Store) ListAttempts(ctx context.Context, examID string) ([]model.ExamAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM exam_attempts`
	var args []any
	if examID != "" {
		query += ` WHERE exam_id = ?`
		args = append(args, examID)
	}
	query += ` ORDER BY started_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.ExamAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// CASStatus moves an attempt from expected to next and reports whether it did.
// Moving into a terminal status records finishedAt.
func (s *Store) CASStatus(ctx context.Context, id string, expected, next model.AttemptStatus, at time.Time) (bool, error) {
	var finishedAt any
	if next.Terminal() {
		finishedAt = at
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exam_attempts SET status = ?, finished_at = COALESCE(?, finished_at)
		 WHERE id = ? AND status = ?`,
		next, finishedAt, id, expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpsertSubmission inserts or replaces the submission for (attempt, question).
func (s *Store) UpsertSubmission(ctx context.Context, sub model.QuestionSubmission) error {
	results, err := json.Marshal(sub.TestResults)
	if err != nil {
		return fmt.Errorf("marshal test results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO question_submissions
		   (attempt_id, question_id, code, submitted_at, test_results, score, max_score, passed, feedback, infrastructure_failure)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, question_id) DO UPDATE SET
		   code = excluded.code,
		   submitted_at = excluded.submitted_at,
		   test_results = excluded.test_results,
		   score = excluded.score,
		   max_score = excluded.max_score,
		   passed = excluded.passed,
		   feedback = excluded.feedback,
		   infrastructure_failure = excluded.infrastructure_failure`,
		sub.AttemptID, sub.QuestionID, sub.Code, sub.SubmittedAt, string(results),
		sub.Score, sub.MaxScore, sub.Passed, sub.Feedback, sub.InfrastructureFailure,
	)
	return err
}

const submissionColumns = `attempt_id, question_id, code, submitted_at, test_results, score, max_score, passed, feedback, infrastructure_failure`

func scanSubmission(row rowScanner) (*model.QuestionSubmission, error) {
	var (
		sub     model.QuestionSubmission
		results string
	)
	err := row.Scan(&sub.AttemptID, &sub.QuestionID, &sub.Code, &sub.SubmittedAt, &results,
		&sub.Score, &sub.MaxScore, &sub.Passed, &sub.Feedback, &sub.InfrastructureFailure)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(results), &sub.TestResults); err != nil {
		return nil, fmt.Errorf("decode test results: %w", err)
	}
	return &sub, nil
}

// GetSubmission returns the submission for (attempt, question), or nil if there is none.
func (s *Store) GetSubmission(ctx context.Context, attemptID, questionID string) (*model.QuestionSubmission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM question_submissions WHERE attempt_id = ? AND question_id = ?`,
		attemptID, questionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// ListSubmissions returns all submissions of an attempt keyed by question ID.
func (s *Store) ListSubmissions(ctx context.Context, attemptID string) (map[string]model.QuestionSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM question_submissions WHERE attempt_id = ?`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subs := make(map[string]model.QuestionSubmission)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs[sub.QuestionID] = *sub
	}
	return subs, rows.Err()
}

// PutResult stores the result of an attempt. A result is written once; later writes are ignored
// so a cached result is never replaced.
func (s *Store) PutResult(ctx context.Context, r model.ExamResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exam_results (attempt_id, total_score, total_points, percentage, grade, body, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id) DO NOTHING`,
		r.AttemptID, r.TotalScore, r.TotalPoints, r.Percentage, r.Grade, string(body), time.Now().UTC(),
	)
	return err
}

// GetResult returns the stored result of an attempt, or nil if none was computed yet.
func (s *Store) GetResult(ctx context.Context, attemptID string) (*model.ExamResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM exam_results WHERE attempt_id = ?`, attemptID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r model.ExamResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", attemptID, err)
	}
	return &r, nil
}
