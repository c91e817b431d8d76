// Package grader runs a submission against the test cases of one question.
package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/codeexam/internal/metrics"
	"github.com/pavelanni/codeexam/internal/model"
	"github.com/pavelanni/codeexam/internal/sandbox"
)

// EnvironmentError is the error recorded on a test case the sandbox could not run.
const EnvironmentError = "execution environment error"

// Executor runs one program. *sandbox.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// Outcome is what happened to one test case: Graded or InfrastructureFailure.
type Outcome interface {
	outcome()
}

// Graded means the sandbox ran the program and reported a result.
type Graded struct {
	Result *sandbox.Result
}

// InfrastructureFailure means the program could not be run, even after retries.
type InfrastructureFailure struct {
	Reason string
	Err    error
}

func (Graded) outcome()                {}
func (InfrastructureFailure) outcome() {}

// Report is the graded result of one submission.
type Report struct {
	TestResults []model.TestResult
	Score       int
	MaxScore    int
	Passed      bool
	// InfrastructureFailures counts test cases the sandbox could not run.
	InfrastructureFailures int
}

// Config controls sandbox calls made by the grader.
type Config struct {
	Timeout     time.Duration
	Retries     int
	Backoff     time.Duration
	Parallelism int
}

// Grader grades code submissions.
type Grader struct {
	exec Executor
	cfg  Config
}

// New returns a Grader that runs programs with exec.
func New(exec Executor, cfg Config) *Grader {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &Grader{exec: exec, cfg: cfg}
}

// Grade runs code against every test case of q. Sandbox failures never fail the call; they are
// recorded as failed test cases. The only error is a question that violates its point invariants.
func (g *Grader) Grade(ctx context.Context, language string, q model.Question, code string) (*Report, error) {
	if err := q.Validate(); err != nil {
		slog.Error("refusing to grade invalid question", "question_id", q.ID, "error", err)
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.GradingDuration.Observe(time.Since(start).Seconds()) }()

	outcomes := make([]Outcome, len(q.TestCases))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Parallelism)
	for i, tc := range q.TestCases {
		eg.Go(func() error {
			outcomes[i] = g.run(egCtx, language, code, tc)
			return nil
		})
	}
	// Workers never return errors; outcomes carry failures.
	_ = eg.Wait()

	rep := &Report{
		TestResults: make([]model.TestResult, len(q.TestCases)),
		MaxScore:    q.Points,
	}
	for i, tc := range q.TestCases {
		tr := evaluate(tc, outcomes[i])
		if _, ok := outcomes[i].(InfrastructureFailure); ok {
			rep.InfrastructureFailures++
		}
		rep.Score += tr.PointsAwarded
		rep.TestResults[i] = tr
	}
	rep.Passed = rep.Score == rep.MaxScore
	return rep, nil
}

func evaluate(tc model.TestCase, o Outcome) model.TestResult {
	tr := model.TestResult{Description: tc.Description}
	switch o := o.(type) {
	case Graded:
		res := o.Result
		tr.ActualOutput = res.Stdout
		switch {
		case res.TimedOut:
			tr.Error = "time limit exceeded"
		case res.ExitCode != 0:
			tr.Error = res.Stderr
			if tr.Error == "" {
				tr.Error = fmt.Sprintf("exit code %d", res.ExitCode)
			}
		default:
			tr.Passed = Match(tc, res.Stdout)
		}
	case InfrastructureFailure:
		tr.Error = EnvironmentError
	}
	if tr.Passed {
		tr.PointsAwarded = tc.Points
	}
	return tr
}

// run executes one test case, retrying transient sandbox failures with exponential backoff.
func (g *Grader) run(ctx context.Context, language, code string, tc model.TestCase) Outcome {
	req := sandbox.Request{
		Language: language,
		Source:   code,
		Stdin:    tc.Stdin,
		Timeout:  g.cfg.Timeout,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.Backoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.Retries)), ctx)

	var res *sandbox.Result
	op := func() error {
		r, err := g.exec.Execute(ctx, req)
		if err == nil {
			res = r
			return nil
		}
		if errors.Is(err, model.ErrSandboxUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		metrics.SandboxCallsTotal.WithLabelValues(metrics.SandboxRetry).Inc()
		slog.Warn("sandbox call failed, retrying", "test_case", tc.Description, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		label := metrics.SandboxUnavailable
		if !errors.Is(err, model.ErrSandboxUnavailable) {
			label = metrics.SandboxRejected
		}
		metrics.SandboxCallsTotal.WithLabelValues(label).Inc()
		slog.Error("sandbox gave up", "test_case", tc.Description, "error", err)
		return InfrastructureFailure{Reason: EnvironmentError, Err: err}
	}
	metrics.SandboxCallsTotal.WithLabelValues(metrics.SandboxOK).Inc()
	return Graded{Result: res}
}
