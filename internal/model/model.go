package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// CanReview reports whether the user may see other users' attempts.
func (u *User) CanReview() bool {
	return u != nil && (u.Role == UserRoleAdmin || u.Role == UserRoleTeacher)
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Level is the learner level an exam was generated for.
type Level string

const (
	LevelBeginnerZero Level = "beginner_zero"
	LevelBeginner     Level = "beginner"
	LevelBeginnerPlus Level = "beginner_plus"
)

// Comparison selects how a test case's actual output is matched against the expected output.
type Comparison string

const (
	ComparisonExact      Comparison = "exact"
	ComparisonTrimmed    Comparison = "trimmed"
	ComparisonNormalized Comparison = "normalized-whitespace"
)

// Valid reports whether c is a known comparison. The empty value is valid and means trimmed.
func (c Comparison) Valid() bool {
	switch c {
	case "", ComparisonExact, ComparisonTrimmed, ComparisonNormalized:
		return true
	}
	return false
}

// TestCase is one stdin/expected-output pair of a question.
type TestCase struct {
	Description    string     `json:"description"`
	Stdin          string     `json:"stdin,omitempty"`
	ExpectedOutput string     `json:"expected_output"`
	Points         int        `json:"points"`
	Comparison     Comparison `json:"comparison,omitempty"`
}

// Rule returns the effective comparison rule.
func (tc TestCase) Rule() Comparison {
	if tc.Comparison == "" {
		return ComparisonTrimmed
	}
	return tc.Comparison
}

// Question is an immutable coding question of an exam definition.
type Question struct {
	ID           string     `json:"id"`
	Order        int        `json:"order"`
	Difficulty   Difficulty `json:"difficulty"`
	Points       int        `json:"points"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Requirements []string   `json:"requirements,omitempty"`
	TestCases    []TestCase `json:"test_cases"`
}

// ExamDefinition is an immutable, generated set of questions.
type ExamDefinition struct {
	ID               string     `json:"id"`
	Topics           []string   `json:"topics"`
	Language         string     `json:"language"`
	Level            Level      `json:"level"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	Questions        []Question `json:"questions"`
	TotalPoints      int        `json:"total_points"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Question looks up a question by ID.
func (d *ExamDefinition) Question(id string) (Question, bool) {
	for _, q := range d.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// AttemptStatus represents the state of an exam attempt.
type AttemptStatus string

const (
	StatusNotStarted AttemptStatus = "not_started"
	StatusInProgress AttemptStatus = "in_progress"
	StatusCompleted  AttemptStatus = "completed"
	StatusExpired    AttemptStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s AttemptStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// ExamAttempt is a user's time-bounded run through an exam definition.
type ExamAttempt struct {
	ID               string        `json:"id"`
	ExamID           string        `json:"exam_id"`
	UserID           int64         `json:"user_id"`
	StartedAt        time.Time     `json:"started_at"`
	TimeLimitMinutes int           `json:"time_limit_minutes"`
	Status           AttemptStatus `json:"status"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
}

// Deadline is the instant the attempt's time budget runs out.
func (a *ExamAttempt) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.TimeLimitMinutes) * time.Minute)
}

// TestResult is the outcome of running one test case.
type TestResult struct {
	Description   string `json:"description"`
	Passed        bool   `json:"passed"`
	PointsAwarded int    `json:"points_awarded"`
	ActualOutput  string `json:"actual_output"`
	Error         string `json:"error,omitempty"`
}

// QuestionSubmission is the latest graded answer for one question of an attempt.
type QuestionSubmission struct {
	AttemptID             string       `json:"attempt_id"`
	QuestionID            string       `json:"question_id"`
	Code                  string       `json:"code"`
	SubmittedAt           time.Time    `json:"submitted_at"`
	TestResults           []TestResult `json:"test_results"`
	Score                 int          `json:"score"`
	MaxScore              int          `json:"max_score"`
	Passed                bool         `json:"passed"`
	Feedback              string       `json:"feedback,omitempty"`
	InfrastructureFailure bool         `json:"infrastructure_failure,omitempty"`
}

// Grade is a letter grade.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// QuestionResult is one question's line in an exam result.
type QuestionResult struct {
	QuestionID string `json:"question_id"`
	Title      string `json:"title"`
	Score      int    `json:"score"`
	MaxScore   int    `json:"max_score"`
	Passed     bool   `json:"passed"`
}

// ExamResult is the final grade of a finished attempt.
type ExamResult struct {
	AttemptID       string           `json:"attempt_id"`
	ExamID          string           `json:"exam_id"`
	Status          AttemptStatus    `json:"status"`
	TotalScore      int              `json:"total_score"`
	TotalPoints     int              `json:"total_points"`
	Percentage      int              `json:"percentage"`
	Grade           Grade            `json:"grade"`
	QuestionResults []QuestionResult `json:"question_results"`
}

// ExamConfig holds runtime engine parameters set via CLI flags.
type ExamConfig struct {
	SandboxTimeout     time.Duration // hard execution limit per test case
	SandboxRetries     int           // retries on transport failure
	SandboxBackoff     time.Duration // initial retry delay, doubled per retry
	GradingParallelism int           // test cases run concurrently per submission
	Feedback           bool          // ask the LLM for hints on failed answers
	Lang               string
}
