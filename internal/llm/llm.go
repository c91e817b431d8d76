// Package llm asks an OpenAI-compatible model for tutor hints on failed submissions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/pavelanni/codeexam/internal/i18n"
	"github.com/pavelanni/codeexam/internal/llm/prompts"
	"github.com/pavelanni/codeexam/internal/model"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client and loads the built-in prompt templates.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Ping checks that the endpoint answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	models, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models.Models {
		if m.ID == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not served by endpoint", c.model)
}

// Hint asks for a hint on the failed test cases of sub, written for the learner's level.
func (c *Client) Hint(ctx context.Context, level model.Level, lang string, q model.Question, sub model.QuestionSubmission, responseLanguage string) (string, error) {
	system, err := prompts.BuildSystemPrompt(level, responseLanguage)
	if err != nil {
		return "", fmt.Errorf("build system prompt: %w", err)
	}
	user, err := prompts.BuildUserPrompt(lang, q, sub)
	if err != nil {
		return "", fmt.Errorf("build user prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}
	hint := strings.TrimSpace(resp.Choices[0].Message.Content)
	if hint == "" {
		return "", errors.New("LLM returned an empty hint")
	}
	slog.Debug("LLM hint", "question_id", q.ID, "hint", hint)
	return hint, nil
}

// Hinter produces hints. *Client implements it.
type Hinter interface {
	Hint(ctx context.Context, level model.Level, lang string, q model.Question, sub model.QuestionSubmission, responseLanguage string) (string, error)
}

// Tutor writes the feedback stored with each submission. Without a Hinter it only uses the
// localized fixed messages.
type Tutor struct {
	hinter Hinter
}

// NewTutor creates a Tutor. hinter may be nil.
func NewTutor(hinter Hinter) *Tutor {
	return &Tutor{hinter: hinter}
}

// Feedback never fails: an unavailable model yields a localized fallback message.
func (t *Tutor) Feedback(ctx context.Context, level model.Level, lang string, q model.Question, sub model.QuestionSubmission) string {
	switch {
	case sub.InfrastructureFailure:
		return i18n.T(ctx, "FeedbackInfrastructure")
	case sub.Passed:
		return i18n.T(ctx, "FeedbackCorrect")
	}

	failed := 0
	for _, tr := range sub.TestResults {
		if !tr.Passed {
			failed++
		}
	}
	summary := i18n.Tp(ctx, "TestCasesFailed", failed)
	if t.hinter == nil {
		return summary
	}

	hint, err := t.hinter.Hint(ctx, level, lang, q, sub, languageName(i18n.Tag(ctx)))
	if err != nil {
		slog.Warn("tutor feedback unavailable", "question_id", q.ID, "error", err)
		return summary + " " + i18n.T(ctx, "FeedbackTryAgain")
	}
	return hint
}

// languageName is the English name of tag, as the prompt templates are written in English.
func languageName(tag language.Tag) string {
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return "English"
}
