package model

import (
	"errors"
	"fmt"
)

// Validate checks the point invariants of a single question.
func (q *Question) Validate() error {
	subject := "question " + q.ID
	if q.Points <= 0 {
		return Integrityf(subject, "points must be positive, got %d", q.Points)
	}
	if len(q.TestCases) == 0 {
		return Integrityf(subject, "no test cases")
	}
	sum := 0
	for i, tc := range q.TestCases {
		if tc.Points <= 0 {
			return Integrityf(subject, "test case %d: points must be positive, got %d", i+1, tc.Points)
		}
		if !tc.Comparison.Valid() {
			return Integrityf(subject, "test case %d: unknown comparison %q", i+1, tc.Comparison)
		}
		sum += tc.Points
	}
	if sum != q.Points {
		return Integrityf(subject, "points %d do not match test case sum %d", q.Points, sum)
	}
	return nil
}

// Validate checks an exam definition before it is stored. All violations are joined.
func (d *ExamDefinition) Validate() error {
	var errs []error
	subject := "exam " + d.ID
	if d.ID == "" {
		errs = append(errs, Integrityf("exam", "missing id"))
	}
	if d.Language == "" {
		errs = append(errs, Integrityf(subject, "missing language"))
	}
	if d.TimeLimitMinutes <= 0 {
		errs = append(errs, Integrityf(subject, "time limit must be positive, got %d", d.TimeLimitMinutes))
	}
	if len(d.Questions) == 0 {
		errs = append(errs, Integrityf(subject, "no questions"))
	}
	seen := make(map[string]bool, len(d.Questions))
	total := 0
	for _, q := range d.Questions {
		if q.ID == "" || seen[q.ID] {
			errs = append(errs, Integrityf(subject, "duplicate or empty question id %q", q.ID))
		}
		seen[q.ID] = true
		if err := q.Validate(); err != nil {
			errs = append(errs, err)
		}
		total += q.Points
	}
	if total != d.TotalPoints {
		errs = append(errs, Integrityf(subject, "total points %d do not match question sum %d", d.TotalPoints, total))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid exam definition: %w", errors.Join(errs...))
	}
	return nil
}
