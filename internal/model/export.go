package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	ExamID     string          `json:"exam_id,omitempty"`
	Attempts   []AttemptExport `json:"attempts"`
}

// AttemptExport holds one finished attempt for export.
type AttemptExport struct {
	AttemptID   string               `json:"attempt_id"`
	ExamID      string               `json:"exam_id"`
	Username    string               `json:"username"`
	DisplayName string               `json:"display_name"`
	Status      AttemptStatus        `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	Result      *ExamResult          `json:"result,omitempty"`
	Submissions []QuestionSubmission `json:"submissions"`
}

// ExamImport is the on-disk form of an exam definition. Total points may be omitted.
type ExamImport struct {
	ID               string     `json:"id"`
	Topics           []string   `json:"topics"`
	Language         string     `json:"language"`
	Level            Level      `json:"level"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	Questions        []Question `json:"questions"`
	TotalPoints      int        `json:"total_points,omitempty"`
}

// Definition converts the import into an exam definition, filling in defaults.
func (ei ExamImport) Definition() ExamDefinition {
	d := ExamDefinition{
		ID:               ei.ID,
		Topics:           ei.Topics,
		Language:         ei.Language,
		Level:            ei.Level,
		TimeLimitMinutes: ei.TimeLimitMinutes,
		Questions:        ei.Questions,
		TotalPoints:      ei.TotalPoints,
	}
	if d.Level == "" {
		d.Level = LevelBeginner
	}
	if d.TotalPoints == 0 {
		for _, q := range d.Questions {
			d.TotalPoints += q.Points
		}
	}
	for i := range d.Questions {
		if d.Questions[i].Order == 0 {
			d.Questions[i].Order = i + 1
		}
	}
	return d
}
