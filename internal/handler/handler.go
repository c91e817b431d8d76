package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/codeexam/internal/attempt"
	appI18n "github.com/pavelanni/codeexam/internal/i18n"
	"github.com/pavelanni/codeexam/internal/model"
	"github.com/pavelanni/codeexam/internal/sandbox"
	"github.com/pavelanni/codeexam/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	manager *attempt.Manager
	config  model.ExamConfig
}

// New creates a new Handler.
func New(s *store.Store, m *attempt.Manager, cfg model.ExamConfig) *Handler {
	return &Handler{store: s, manager: m, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(appI18n.Middleware())

	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/api/logout", h.handleLogout)
		r.Get("/api/me", h.handleMe)
		r.Get("/api/info", h.handleInfo)

		r.Get("/api/exams", h.handleListExams)
		r.Get("/api/exams/{examID}", h.handleGetExam)
		r.Post("/api/exams/{examID}/attempts", h.handleStart)

		r.Get("/api/attempts/{attemptID}", h.handleGetAttempt)
		r.Get("/api/attempts/{attemptID}/remaining", h.handleRemaining)
		r.Post("/api/attempts/{attemptID}/questions/{questionID}/submissions", h.handleSubmit)
		r.Post("/api/attempts/{attemptID}/finish", h.handleFinish)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin, model.UserRoleTeacher))
			r.Get("/api/exams/{examID}/attempts", h.handleListAttempts)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Post("/api/admin/exams", h.handleImportExam)
			r.Get("/api/admin/users", h.handleListUsers)
			r.Post("/api/admin/users", h.handleCreateUser)
			r.Post("/api/admin/users/{userID}/toggle", h.handleToggleUser)
		})
	})
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps engine errors to status codes. Time and closed-attempt outcomes are conflicts
// the client must show as such, not server failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		kind   string
		msgID  string
	)
	switch {
	case errors.Is(err, model.ErrTimeExpired):
		status, kind, msgID = http.StatusConflict, "time_expired", "ErrTimeExpired"
	case errors.Is(err, model.ErrAttemptClosed):
		status, kind, msgID = http.StatusConflict, "attempt_closed", "ErrAttemptClosed"
	case errors.Is(err, model.ErrAttemptNotFound):
		status, kind, msgID = http.StatusNotFound, "attempt_not_found", "ErrAttemptNotFound"
	case errors.Is(err, model.ErrDefinitionNotFound):
		status, kind, msgID = http.StatusNotFound, "definition_not_found", "ErrDefinitionNotFound"
	case errors.Is(err, model.ErrQuestionNotFound):
		status, kind, msgID = http.StatusNotFound, "question_not_found", "ErrQuestionNotFound"
	case errors.Is(err, model.ErrDataIntegrity):
		status, kind, msgID = http.StatusInternalServerError, "data_integrity", "ErrDataIntegrity"
		slog.Error("data integrity error", "path", r.URL.Path, "error", err)
	default:
		status, kind, msgID = http.StatusInternalServerError, "internal", "ErrInternal"
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Kind: kind, Message: appI18n.T(r.Context(), msgID)})
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, kind, msgID string) {
	writeJSON(w, status, errorResponse{Kind: kind, Message: appI18n.T(r.Context(), msgID)})
}

type serverInfo struct {
	Languages             []string `json:"languages"`
	Locales               []string `json:"locales"`
	Feedback              bool     `json:"feedback"`
	TestCaseTimeoutMillis int64    `json:"test_case_timeout_ms"`
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverInfo{
		Languages:             sandbox.Supported(),
		Locales:               appI18n.Languages(),
		Feedback:              h.config.Feedback,
		TestCaseTimeoutMillis: h.config.SandboxTimeout.Milliseconds(),
	})
}

type examSummary struct {
	ID               string      `json:"id"`
	Topics           []string    `json:"topics"`
	Language         string      `json:"language"`
	Level            model.Level `json:"level"`
	TimeLimitMinutes int         `json:"time_limit_minutes"`
	QuestionCount    int         `json:"question_count"`
	TotalPoints      int         `json:"total_points"`
}

func summarize(d model.ExamDefinition) examSummary {
	return examSummary{
		ID:               d.ID,
		Topics:           d.Topics,
		Language:         d.Language,
		Level:            d.Level,
		TimeLimitMinutes: d.TimeLimitMinutes,
		QuestionCount:    len(d.Questions),
		TotalPoints:      d.TotalPoints,
	}
}

// testCaseView is a test case without its expected output.
type testCaseView struct {
	Description string `json:"description"`
	Points      int    `json:"points"`
}

type questionView struct {
	ID           string           `json:"id"`
	Order        int              `json:"order"`
	Difficulty   model.Difficulty `json:"difficulty"`
	Points       int              `json:"points"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Requirements []string         `json:"requirements,omitempty"`
	TestCases    []testCaseView   `json:"test_cases"`
	Answered     bool             `json:"answered"`
}

func questionViews(d model.ExamDefinition, answered map[string]bool) []questionView {
	out := make([]questionView, 0, len(d.Questions))
	for _, q := range d.Questions {
		qv := questionView{
			ID:           q.ID,
			Order:        q.Order,
			Difficulty:   q.Difficulty,
			Points:       q.Points,
			Title:        q.Title,
			Description:  q.Description,
			Requirements: q.Requirements,
			Answered:     answered[q.ID],
		}
		for _, tc := range q.TestCases {
			qv.TestCases = append(qv.TestCases, testCaseView{Description: tc.Description, Points: tc.Points})
		}
		out = append(out, qv)
	}
	return out
}

type examView struct {
	examSummary
	Questions []questionView `json:"questions"`
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListDefinitionIDs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	exams := make([]examSummary, 0, len(ids))
	for _, id := range ids {
		d, err := h.store.GetDefinition(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		exams = append(exams, summarize(*d))
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDefinition(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, examView{examSummary: summarize(*d), Questions: questionViews(*d, nil)})
}

type attemptView struct {
	Attempt          model.ExamAttempt `json:"attempt"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	Exam             examView          `json:"exam"`
}

func (h *Handler) writeAttempt(w http.ResponseWriter, r *http.Request, status int, attemptID string) {
	v, err := h.manager.Get(r.Context(), attemptID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, attemptView{
		Attempt:          v.Attempt,
		RemainingSeconds: int64(v.Remaining / time.Second),
		Exam: examView{
			examSummary: summarize(v.Definition),
			Questions:   questionViews(v.Definition, v.Answered),
		},
	})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	a, err := h.manager.Start(r.Context(), chi.URLParam(r, "examID"), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeAttempt(w, r, http.StatusOK, a.ID)
}

// loadOwned returns the attempt in the URL if the caller owns it, or may review it when
// allowReview is set. It writes the error response itself and returns nil on failure.
func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request, allowReview bool) *model.ExamAttempt {
	a, err := h.store.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	user := model.UserFromContext(r.Context())
	if a.UserID != user.ID && !(allowReview && user.CanReview()) {
		// Foreign attempts look missing rather than forbidden.
		writeError(w, r, model.ErrAttemptNotFound)
		return nil
	}
	return a
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a := h.loadOwned(w, r, true)
	if a == nil {
		return
	}
	h.writeAttempt(w, r, http.StatusOK, a.ID)
}

func (h *Handler) handleRemaining(w http.ResponseWriter, r *http.Request) {
	a := h.loadOwned(w, r, true)
	if a == nil {
		return
	}
	left, err := h.manager.RemainingTime(r.Context(), a.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"remaining_seconds": int64(left / time.Second)})
}

type submitRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	a := h.loadOwned(w, r, false)
	if a == nil {
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	sub, err := h.manager.Submit(r.Context(), a.ID, chi.URLParam(r, "questionID"), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	a := h.loadOwned(w, r, false)
	if a == nil {
		return
	}
	res, err := h.manager.Finish(r.Context(), a.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if _, err := h.store.GetDefinition(r.Context(), examID); err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := h.store.ListAttempts(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.ExamAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
