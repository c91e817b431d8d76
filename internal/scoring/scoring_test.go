package scoring

import (
	"errors"
	"testing"

	"github.com/pavelanni/codeexam/internal/model"
)

func definition(points ...int) model.ExamDefinition {
	d := model.ExamDefinition{ID: "exam-1"}
	for i, p := range points {
		d.Questions = append(d.Questions, model.Question{
			ID:     string(rune('a' + i)),
			Title:  "Q" + string(rune('A'+i)),
			Points: p,
		})
		d.TotalPoints += p
	}
	return d
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		score, total, want int
	}{
		{17, 20, 85},
		{18, 20, 90},
		{169, 200, 85}, // 84.5 rounds up
		{1, 3, 33},
		{2, 3, 67},
		{0, 10, 0},
		{10, 10, 100},
		{1, 8, 13}, // 12.5 rounds up
	}
	for _, tt := range tests {
		if got := Percentage(tt.score, tt.total); got != tt.want {
			t.Errorf("Percentage(%d, %d) = %d, want %d", tt.score, tt.total, got, tt.want)
		}
	}
}

func TestLetterGrade(t *testing.T) {
	tests := []struct {
		pct  int
		want model.Grade
	}{
		{100, model.GradeA},
		{90, model.GradeA},
		{89, model.GradeB},
		{80, model.GradeB},
		{79, model.GradeC},
		{70, model.GradeC},
		{60, model.GradeD},
		{59, model.GradeF},
		{0, model.GradeF},
	}
	for _, tt := range tests {
		if got := LetterGrade(tt.pct); got != tt.want {
			t.Errorf("LetterGrade(%d) = %s, want %s", tt.pct, got, tt.want)
		}
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		def       model.ExamDefinition
		subs      map[string]model.QuestionSubmission
		wantScore int
		wantPct   int
		wantGrade model.Grade
	}{
		{
			name:      "rounding to B",
			def:       definition(10, 10),
			subs:      map[string]model.QuestionSubmission{"a": {Score: 10}, "b": {Score: 7}},
			wantScore: 17, wantPct: 85, wantGrade: model.GradeB,
		},
		{
			name:      "boundary A",
			def:       definition(10, 10),
			subs:      map[string]model.QuestionSubmission{"a": {Score: 10}, "b": {Score: 8}},
			wantScore: 18, wantPct: 90, wantGrade: model.GradeA,
		},
		{
			name:      "unanswered count as zero",
			def:       definition(10, 10, 10),
			subs:      map[string]model.QuestionSubmission{"b": {Score: 6}},
			wantScore: 6, wantPct: 20, wantGrade: model.GradeF,
		},
		{
			name:      "nothing submitted",
			def:       definition(5),
			subs:      nil,
			wantScore: 0, wantPct: 0, wantGrade: model.GradeF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt := model.ExamAttempt{ID: "att-1", Status: model.StatusCompleted}
			res, err := Aggregator{}.Score(attempt, tt.subs, tt.def)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if res.TotalScore != tt.wantScore || res.Percentage != tt.wantPct || res.Grade != tt.wantGrade {
				t.Errorf("got %d / %d%% / %s, want %d / %d%% / %s",
					res.TotalScore, res.Percentage, res.Grade, tt.wantScore, tt.wantPct, tt.wantGrade)
			}
			if res.TotalPoints != tt.def.TotalPoints {
				t.Errorf("total points = %d, want %d", res.TotalPoints, tt.def.TotalPoints)
			}
			if len(res.QuestionResults) != len(tt.def.Questions) {
				t.Fatalf("expected %d question results, got %d", len(tt.def.Questions), len(res.QuestionResults))
			}
			for i, qr := range res.QuestionResults {
				if qr.QuestionID != tt.def.Questions[i].ID {
					t.Errorf("question result %d out of order: %s", i, qr.QuestionID)
				}
				if _, ok := tt.subs[qr.QuestionID]; !ok && (qr.Score != 0 || qr.Passed) {
					t.Errorf("unanswered question %s: %+v", qr.QuestionID, qr)
				}
			}
			if res.AttemptID != "att-1" || res.Status != model.StatusCompleted {
				t.Errorf("unexpected identity %s/%s", res.AttemptID, res.Status)
			}
		})
	}
}

func TestScoreIntegrity(t *testing.T) {
	tests := []struct {
		name string
		def  model.ExamDefinition
		subs map[string]model.QuestionSubmission
	}{
		{"empty exam", model.ExamDefinition{ID: "empty"}, nil},
		{"total mismatch", func() model.ExamDefinition { d := definition(5, 5); d.TotalPoints = 12; return d }(), nil},
		{"score above max", definition(5), map[string]model.QuestionSubmission{"a": {Score: 6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Aggregator{}.Score(model.ExamAttempt{ID: "x"}, tt.subs, tt.def)
			if !errors.Is(err, model.ErrDataIntegrity) {
				t.Errorf("expected ErrDataIntegrity, got %v", err)
			}
		})
	}
}

func TestScoreDeterministic(t *testing.T) {
	def := definition(3, 7)
	subs := map[string]model.QuestionSubmission{"a": {Score: 3}, "b": {Score: 2}}
	a := model.ExamAttempt{ID: "att", Status: model.StatusExpired}
	first, err := Aggregator{}.Score(a, subs, def)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := Aggregator{}.Score(a, subs, def)
	if first.Percentage != second.Percentage || first.Grade != second.Grade || first.TotalScore != second.TotalScore {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	if !first.QuestionResults[0].Passed || first.QuestionResults[1].Passed {
		t.Errorf("unexpected passed flags: %+v", first.QuestionResults)
	}
}
