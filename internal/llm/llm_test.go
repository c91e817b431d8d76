package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/codeexam/internal/i18n"
	"github.com/pavelanni/codeexam/internal/model"
)

func init() {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
}

type fakeHinter struct {
	hint     string
	err      error
	calls    int
	lang     string
	response string
}

func (f *fakeHinter) Hint(_ context.Context, _ model.Level, lang string, _ model.Question, _ model.QuestionSubmission, responseLanguage string) (string, error) {
	f.calls++
	f.lang = lang
	f.response = responseLanguage
	return f.hint, f.err
}

func failedSubmission() model.QuestionSubmission {
	return model.QuestionSubmission{
		Score:    3,
		MaxScore: 10,
		TestResults: []model.TestResult{
			{Description: "a", Passed: true, PointsAwarded: 3},
			{Description: "b"},
			{Description: "c"},
		},
	}
}

func TestTutorFeedback(t *testing.T) {
	en := i18n.WithLanguage(context.Background(), "en")
	ko := i18n.WithLanguage(context.Background(), "ko")

	tests := []struct {
		name      string
		ctx       context.Context
		hinter    *fakeHinter
		sub       model.QuestionSubmission
		want      string
		wantCalls int
	}{
		{
			name:   "passed",
			ctx:    ko,
			hinter: &fakeHinter{hint: "unused"},
			sub:    model.QuestionSubmission{Passed: true, Score: 10, MaxScore: 10},
			want:   "정답입니다!",
		},
		{
			name:   "infrastructure failure",
			ctx:    en,
			hinter: &fakeHinter{hint: "unused"},
			sub:    model.QuestionSubmission{InfrastructureFailure: true},
			want:   "Some test cases could not be run because the grading environment is unavailable. Please submit again.",
		},
		{
			name:      "hint",
			ctx:       en,
			hinter:    &fakeHinter{hint: "Check how you read the input."},
			sub:       failedSubmission(),
			want:      "Check how you read the input.",
			wantCalls: 1,
		},
		{
			name:      "model down",
			ctx:       en,
			hinter:    &fakeHinter{err: errors.New("connection refused")},
			sub:       failedSubmission(),
			want:      "2 test cases failed. Some test cases did not pass. Check your output format and edge cases, then try again.",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTutor(tt.hinter).Feedback(tt.ctx, model.LevelBeginner, "python", model.Question{ID: "q1"}, tt.sub)
			if got != tt.want {
				t.Errorf("Feedback = %q, want %q", got, tt.want)
			}
			if tt.hinter.calls != tt.wantCalls {
				t.Errorf("hinter called %d times, want %d", tt.hinter.calls, tt.wantCalls)
			}
		})
	}
}

func TestTutorWithoutModel(t *testing.T) {
	ctx := i18n.WithLanguage(context.Background(), "en")
	got := NewTutor(nil).Feedback(ctx, model.LevelBeginner, "python", model.Question{}, failedSubmission())
	if got != "2 test cases failed." {
		t.Errorf("Feedback = %q", got)
	}
}

func TestTutorPassesLanguages(t *testing.T) {
	h := &fakeHinter{hint: "힌트"}
	ctx := i18n.WithLanguage(context.Background(), "ko")
	NewTutor(h).Feedback(ctx, model.LevelBeginnerZero, "typescript", model.Question{}, failedSubmission())
	if h.lang != "typescript" {
		t.Errorf("programming language = %q, want typescript", h.lang)
	}
	if h.response != "Korean" {
		t.Errorf("response language = %q, want Korean", h.response)
	}
}

func newOpenAIServer(t *testing.T, reply string, status int) (*Client, *openai.ChatCompletionRequest) {
	t.Helper()
	var got openai.ChatCompletionRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID: "chatcmpl-1",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
			}},
		})
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":"list","data":[{"id":"llama3.2","object":"model"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/v1", "test-key", "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &got
}

func TestClientHint(t *testing.T) {
	c, got := newOpenAIServer(t, "  Look at the loop bounds.\n", http.StatusOK)
	q := model.Question{
		ID:        "q1",
		Title:     "Count down",
		TestCases: []model.TestCase{{Description: "from 3", ExpectedOutput: "3 2 1", Points: 5}},
	}
	sub := model.QuestionSubmission{
		Code:        "for i in range(3): print(i)",
		TestResults: []model.TestResult{{Description: "from 3", ActualOutput: "0 1 2"}},
	}

	hint, err := c.Hint(context.Background(), model.LevelBeginnerPlus, "python", q, sub, "English")
	if err != nil {
		t.Fatalf("Hint: %v", err)
	}
	if hint != "Look at the loop bounds." {
		t.Errorf("hint = %q", hint)
	}
	if got.Model != "llama3.2" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(got.Messages[0].Content, "some experience") {
		t.Errorf("system prompt should match the level:\n%s", got.Messages[0].Content)
	}
	if !strings.Contains(got.Messages[1].Content, `expected "3 2 1", got "0 1 2"`) {
		t.Errorf("user prompt should list the failed test:\n%s", got.Messages[1].Content)
	}
}

func TestClientHintErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		c, _ := newOpenAIServer(t, "", http.StatusInternalServerError)
		if _, err := c.Hint(context.Background(), model.LevelBeginner, "python", model.Question{}, model.QuestionSubmission{}, "English"); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("empty reply", func(t *testing.T) {
		c, _ := newOpenAIServer(t, "   ", http.StatusOK)
		if _, err := c.Hint(context.Background(), model.LevelBeginner, "python", model.Question{}, model.QuestionSubmission{}, "English"); err == nil {
			t.Error("expected error for empty hint")
		}
	})
}

func TestClientPing(t *testing.T) {
	c, _ := newOpenAIServer(t, "", http.StatusOK)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	c.model = "gpt-9"
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected error for a model the endpoint does not serve")
	}
}
