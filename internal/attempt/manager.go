// Package attempt owns the lifecycle of exam attempts: start, submit, finish and the
// server-side clock that decides when an attempt runs out of time.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/codeexam/internal/grader"
	"github.com/pavelanni/codeexam/internal/metrics"
	"github.com/pavelanni/codeexam/internal/model"
)

// InfrastructureFeedback is the feedback of a submission the sandbox could not fully grade.
const InfrastructureFeedback = "Some test cases could not be run because the grading environment is unavailable. Please submit again."

// Store is the durable state the manager works on. *store.Store implements it.
type Store interface {
	GetDefinition(ctx context.Context, id string) (*model.ExamDefinition, error)
	StartAttempt(ctx context.Context, a model.ExamAttempt) (*model.ExamAttempt, bool, error)
	GetAttempt(ctx context.Context, id string) (*model.ExamAttempt, error)
	CASStatus(ctx context.Context, id string, expected, next model.AttemptStatus, at time.Time) (bool, error)
	UpsertSubmission(ctx context.Context, sub model.QuestionSubmission) error
	ListSubmissions(ctx context.Context, attemptID string) (map[string]model.QuestionSubmission, error)
	GetResult(ctx context.Context, attemptID string) (*model.ExamResult, error)
	PutResult(ctx context.Context, r model.ExamResult) error
}

// Grader grades one submission. *grader.Grader implements it.
type Grader interface {
	Grade(ctx context.Context, language string, q model.Question, code string) (*grader.Report, error)
}

// Scorer computes the result of a finished attempt. scoring.Aggregator implements it.
type Scorer interface {
	Score(attempt model.ExamAttempt, subs map[string]model.QuestionSubmission, def model.ExamDefinition) (model.ExamResult, error)
}

// Feedbacker writes tutor feedback for a graded submission. It must not fail; on trouble it
// returns a fallback message.
type Feedbacker interface {
	Feedback(ctx context.Context, level model.Level, lang string, q model.Question, sub model.QuestionSubmission) string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFeedback attaches tutor feedback to graded submissions.
func WithFeedback(fb Feedbacker) Option {
	return func(m *Manager) { m.feedback = fb }
}

// Manager serializes operations per attempt. Grading runs outside the per-attempt lock so a slow
// sandbox never blocks finish or submissions to other questions.
type Manager struct {
	store    Store
	grader   Grader
	scorer   Scorer
	feedback Feedbacker
	now      func() time.Time
	locks    *keyedMutex
}

// NewManager creates a Manager.
func NewManager(st Store, g Grader, sc Scorer, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		grader: g,
		scorer: sc,
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// Remaining is the time left on a at now, never negative.
func Remaining(a model.ExamAttempt, now time.Time) time.Duration {
	left := a.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Start returns the in-progress attempt of userID for examID, creating it if there is none.
func (m *Manager) Start(ctx context.Context, examID string, userID int64) (*model.ExamAttempt, error) {
	def, err := m.store.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(fmt.Sprintf("start:%s:%d", examID, userID))
	defer unlock()

	a, created, err := m.store.StartAttempt(ctx, model.ExamAttempt{
		ID:               uuid.NewString(),
		ExamID:           def.ID,
		UserID:           userID,
		StartedAt:        m.clock(),
		TimeLimitMinutes: def.TimeLimitMinutes,
		Status:           model.StatusInProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	if created {
		metrics.AttemptsStartedTotal.Inc()
		slog.Info("attempt started", "attempt_id", a.ID, "exam_id", examID, "user_id", userID,
			"time_limit_minutes", a.TimeLimitMinutes)
	}
	return a, nil
}

// RemainingTime is the authoritative time left on an attempt. Finished attempts have none.
func (m *Manager) RemainingTime(ctx context.Context, attemptID string) (time.Duration, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if a.Status != model.StatusInProgress {
		return 0, nil
	}
	return Remaining(*a, m.clock()), nil
}

// View is an attempt with its exam and the questions answered so far.
type View struct {
	Attempt    model.ExamAttempt
	Definition model.ExamDefinition
	Remaining  time.Duration
	Answered   map[string]bool
}

// Get returns the current view of an attempt.
func (m *Manager) Get(ctx context.Context, attemptID string) (*View, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	def, err := m.store.GetDefinition(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	subs, err := m.store.ListSubmissions(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	v := &View{Attempt: *a, Definition: *def, Answered: make(map[string]bool, len(subs))}
	if a.Status == model.StatusInProgress {
		v.Remaining = Remaining(*a, m.clock())
	}
	for id := range subs {
		v.Answered[id] = true
	}
	return v, nil
}

// Submit grades code for one question and stores it as the question's latest submission.
// A submission that arrives after the deadline expires the attempt and returns ErrTimeExpired.
// Sandbox outages do not fail the call; they come back as a zero-credit submission.
func (m *Manager) Submit(ctx context.Context, attemptID, questionID, code string) (*model.QuestionSubmission, error) {
	var (
		def        *model.ExamDefinition
		q          model.Question
		admittedAt time.Time
	)
	err := m.locks.with(attemptID, func() error {
		a, err := m.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status != model.StatusInProgress {
			return model.ErrAttemptClosed
		}
		admittedAt = m.clock()
		if Remaining(*a, admittedAt) == 0 {
			if err := m.transition(ctx, a, model.StatusExpired, admittedAt); err != nil {
				return err
			}
			return model.ErrTimeExpired
		}
		def, err = m.store.GetDefinition(ctx, a.ExamID)
		if err != nil {
			return err
		}
		var ok bool
		if q, ok = def.Question(questionID); !ok {
			return fmt.Errorf("%w: %s", model.ErrQuestionNotFound, questionID)
		}
		return nil
	})
	if err != nil {
		countRejected(err)
		return nil, err
	}

	// Slow part, unlocked. Once admitted, a submission is graded to completion even if the
	// caller goes away; each sandbox call is still bounded by its own timeout.
	ctx = context.WithoutCancel(ctx)
	rep, err := m.grader.Grade(ctx, def.Language, q, code)
	if err != nil {
		return nil, fmt.Errorf("grade question %s: %w", questionID, err)
	}
	sub := model.QuestionSubmission{
		AttemptID:             attemptID,
		QuestionID:            questionID,
		Code:                  code,
		SubmittedAt:           admittedAt,
		TestResults:           rep.TestResults,
		Score:                 rep.Score,
		MaxScore:              rep.MaxScore,
		Passed:                rep.Passed,
		InfrastructureFailure: rep.InfrastructureFailures > 0,
	}
	if sub.InfrastructureFailure {
		sub.Feedback = InfrastructureFeedback
	}
	if m.feedback != nil {
		sub.Feedback = m.feedback.Feedback(ctx, def.Level, def.Language, q, sub)
	}

	err = m.locks.with(attemptID, func() error {
		a, err := m.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		// Finish may have run while grading; its result must not change underneath it.
		if a.Status != model.StatusInProgress {
			return model.ErrAttemptClosed
		}
		return m.store.UpsertSubmission(ctx, sub)
	})
	if err != nil {
		countRejected(err)
		return nil, err
	}

	outcome := metrics.OutcomeFailed
	switch {
	case sub.InfrastructureFailure:
		outcome = metrics.OutcomeInfraFailed
	case sub.Passed:
		outcome = metrics.OutcomePassed
	}
	metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	slog.Debug("submission graded", "attempt_id", attemptID, "question_id", questionID,
		"score", sub.Score, "max_score", sub.MaxScore, "outcome", outcome)
	return &sub, nil
}

func countRejected(err error) {
	switch {
	case errors.Is(err, model.ErrTimeExpired):
		metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeExpired).Inc()
	case errors.Is(err, model.ErrAttemptClosed):
		metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeClosed).Inc()
	}
}

// Finish closes an attempt and returns its result. It is idempotent: once a result is stored it is
// returned as is. An attempt finished after its deadline is recorded as expired, not rejected.
func (m *Manager) Finish(ctx context.Context, attemptID string) (*model.ExamResult, error) {
	var res *model.ExamResult
	err := m.locks.with(attemptID, func() error {
		a, err := m.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			cached, err := m.store.GetResult(ctx, attemptID)
			if err != nil {
				return fmt.Errorf("load result: %w", err)
			}
			if cached != nil {
				res = cached
				return nil
			}
			// Expired by a late submission; the result is still owed once.
		} else if a.Status != model.StatusInProgress {
			return fmt.Errorf("%w: status %s", model.ErrAttemptClosed, a.Status)
		}

		def, err := m.store.GetDefinition(ctx, a.ExamID)
		if err != nil {
			return err
		}
		subs, err := m.store.ListSubmissions(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("list submissions: %w", err)
		}

		now := m.clock()
		final := *a
		if !a.Status.Terminal() {
			final.Status = model.StatusCompleted
			if Remaining(*a, now) == 0 {
				final.Status = model.StatusExpired
			}
		}

		// Score before the transition so an integrity error leaves the attempt open.
		r, err := m.scorer.Score(final, subs, *def)
		if err != nil {
			if errors.Is(err, model.ErrDataIntegrity) {
				slog.Error("cannot score attempt", "attempt_id", attemptID, "exam_id", a.ExamID, "error", err)
			}
			return err
		}

		if final.Status != a.Status {
			if err := m.transition(ctx, a, final.Status, now); err != nil {
				return err
			}
		}
		if err := m.store.PutResult(ctx, r); err != nil {
			return fmt.Errorf("store result: %w", err)
		}
		stored, err := m.store.GetResult(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("load result: %w", err)
		}
		if stored == nil {
			return fmt.Errorf("result of %s vanished after write", attemptID)
		}
		res = stored
		slog.Info("attempt scored", "attempt_id", attemptID, "status", res.Status,
			"total_score", res.TotalScore, "total_points", res.TotalPoints, "grade", res.Grade)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// transition moves an in-progress attempt into a terminal status. The caller holds the attempt lock.
func (m *Manager) transition(ctx context.Context, a *model.ExamAttempt, next model.AttemptStatus, at time.Time) error {
	ok, err := m.store.CASStatus(ctx, a.ID, model.StatusInProgress, next, at)
	if err != nil {
		return fmt.Errorf("update attempt status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: attempt %s changed concurrently", model.ErrAttemptClosed, a.ID)
	}
	metrics.AttemptsFinishedTotal.WithLabelValues(string(next)).Inc()
	slog.Info("attempt closed", "attempt_id", a.ID, "status", next)
	a.Status = next
	a.FinishedAt = &at
	return nil
}
