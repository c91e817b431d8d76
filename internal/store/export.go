package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/pavelanni/codeexam/internal/model"
)

// ExportAttempts builds export-ready records for all finished attempts of an exam
// (of every exam if examID is empty).
func (s *Store) ExportAttempts(ctx context.Context, examID string) ([]model.AttemptExport, error) {
	attempts, err := s.ListAttempts(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	users := make(map[int64]*model.User)
	var out []model.AttemptExport
	for _, a := range attempts {
		if !a.Status.Terminal() {
			continue
		}

		u, ok := users[a.UserID]
		if !ok {
			u, err = s.GetUserByID(ctx, a.UserID)
			if err != nil {
				return nil, fmt.Errorf("get user %d: %w", a.UserID, err)
			}
			users[a.UserID] = u
		}

		result, err := s.GetResult(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("get result %s: %w", a.ID, err)
		}
		subs, err := s.ListSubmissions(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list submissions %s: %w", a.ID, err)
		}

		rec := model.AttemptExport{
			AttemptID:  a.ID,
			ExamID:     a.ExamID,
			Status:     a.Status,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			Result:     result,
		}
		if u != nil {
			rec.Username = u.Username
			rec.DisplayName = u.DisplayName
		}
		// Submissions follow the result's question order when available.
		if result != nil {
			for _, qr := range result.QuestionResults {
				if sub, ok := subs[qr.QuestionID]; ok {
					rec.Submissions = append(rec.Submissions, sub)
				}
			}
		} else {
			for _, sub := range subs {
				rec.Submissions = append(rec.Submissions, sub)
			}
			sort.Slice(rec.Submissions, func(i, j int) bool {
				return rec.Submissions[i].QuestionID < rec.Submissions[j].QuestionID
			})
		}
		out = append(out, rec)
	}
	return out, nil
}
