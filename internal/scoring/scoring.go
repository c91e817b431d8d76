// Package scoring turns the submissions of a finished attempt into an exam result.
package scoring

import (
	"github.com/pavelanni/codeexam/internal/model"
)

// Aggregator computes exam results. It holds no state, so results depend only on its inputs.
type Aggregator struct{}

// Score computes the result of attempt. Questions without a submission count as zero and stay in
// the denominator.
func (Aggregator) Score(attempt model.ExamAttempt, subs map[string]model.QuestionSubmission, def model.ExamDefinition) (model.ExamResult, error) {
	if def.TotalPoints <= 0 {
		return model.ExamResult{}, model.Integrityf("exam "+def.ID, "total points must be positive, got %d", def.TotalPoints)
	}

	res := model.ExamResult{
		AttemptID:       attempt.ID,
		ExamID:          def.ID,
		Status:          attempt.Status,
		TotalPoints:     def.TotalPoints,
		QuestionResults: make([]model.QuestionResult, 0, len(def.Questions)),
	}
	sum := 0
	for _, q := range def.Questions {
		sum += q.Points
		qr := model.QuestionResult{QuestionID: q.ID, Title: q.Title, MaxScore: q.Points}
		if sub, ok := subs[q.ID]; ok {
			if sub.Score < 0 || sub.Score > q.Points {
				return model.ExamResult{}, model.Integrityf("question "+q.ID, "score %d outside 0..%d", sub.Score, q.Points)
			}
			qr.Score = sub.Score
			qr.Passed = sub.Score == q.Points
		}
		res.TotalScore += qr.Score
		res.QuestionResults = append(res.QuestionResults, qr)
	}
	if sum != def.TotalPoints {
		return model.ExamResult{}, model.Integrityf("exam "+def.ID, "total points %d do not match question sum %d", def.TotalPoints, sum)
	}

	res.Percentage = Percentage(res.TotalScore, res.TotalPoints)
	res.Grade = LetterGrade(res.Percentage)
	return res, nil
}

// Percentage returns 100*score/total rounded half up. total must be positive.
func Percentage(score, total int) int {
	return (200*score + total) / (2 * total)
}

// LetterGrade maps a rounded percentage to a grade. Lower bounds are inclusive.
func LetterGrade(pct int) model.Grade {
	switch {
	case pct >= 90:
		return model.GradeA
	case pct >= 80:
		return model.GradeB
	case pct >= 70:
		return model.GradeC
	case pct >= 60:
		return model.GradeD
	default:
		return model.GradeF
	}
}
