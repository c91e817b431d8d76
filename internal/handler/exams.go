package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pavelanni/codeexam/internal/model"
	"github.com/pavelanni/codeexam/internal/sandbox"
	"github.com/pavelanni/codeexam/internal/store"
)

// ErrInvalidExam wraps every reason an exam file is rejected.
var ErrInvalidExam = errors.New("invalid exam")

// ImportExam parses, validates and stores one exam definition. An exam without an id gets a
// fresh one.
func ImportExam(ctx context.Context, st *store.Store, data []byte) (*model.ExamDefinition, error) {
	var ei model.ExamImport
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ei); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidExam, err)
	}
	def := ei.Definition()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExam, err)
	}
	if _, ok := sandbox.Lookup(def.Language); !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrInvalidExam, sandbox.ErrUnsupportedLanguage, def.Language)
	}
	if _, err := st.GetDefinition(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("%w: exam %s already exists", ErrInvalidExam, def.ID)
	} else if !errors.Is(err, model.ErrDefinitionNotFound) {
		return nil, err
	}
	if err := st.InsertDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("store exam %s: %w", def.ID, err)
	}
	slog.Info("imported exam", "exam_id", def.ID, "questions", len(def.Questions), "total_points", def.TotalPoints)
	return &def, nil
}

func (h *Handler) handleImportExam(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeStatus(w, r, http.StatusBadRequest, "bad_request", "ErrBadRequest")
		return
	}
	def, err := ImportExam(r.Context(), h.store, data)
	if errors.Is(err, ErrInvalidExam) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "invalid_exam", Message: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarize(*def))
}
