package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/codeexam/internal/model"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.txt
var Templates embed.FS

const (
	maxCodeRunes   = 10000
	maxOutputRunes = 500
)

var studentCodeRegex = regexp.MustCompile(`(?i)</?\s*student-code\b[^>]*>`)

var (
	loadOnce        sync.Once
	loadErr         error
	systemTemplates map[model.Level]*template.Template
	userTemplate    *template.Template
)

var levels = []model.Level{model.LevelBeginnerZero, model.LevelBeginner, model.LevelBeginnerPlus}

// IsValidLevel checks if a learner level has a prompt.
func IsValidLevel(l string) bool {
	for _, lv := range levels {
		if string(lv) == l {
			return true
		}
	}
	return false
}

// SystemData holds template data for system prompts.
type SystemData struct {
	ResponseLanguage string
}

// FailedTest is one failing test case shown to the tutor.
type FailedTest struct {
	Description string
	Expected    string
	Actual      string
	Error       string
}

// UserData holds template data for the user prompt.
type UserData struct {
	Title        string
	Description  string
	Requirements []string
	Language     string
	Code         string
	Failed       []FailedTest
}

// Load parses the prompt templates under templates/ in fsys. Only the first call has an effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		systemTemplates = make(map[model.Level]*template.Template)
		for _, lv := range levels {
			name := "templates/system_" + string(lv) + ".txt"
			tmpl, err := parse(fsys, name)
			if err != nil {
				loadErr = err
				return
			}
			systemTemplates[lv] = tmpl
		}
		userTemplate, loadErr = parse(fsys, "templates/user.txt")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// BuildSystemPrompt renders the tutor instructions for a learner level. Unknown levels use beginner.
func BuildSystemPrompt(level model.Level, responseLanguage string) (string, error) {
	if systemTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := systemTemplates[level]
	if !ok {
		tmpl = systemTemplates[model.LevelBeginner]
	}
	if tmpl == nil {
		return "", fmt.Errorf("templates load failed: %w", loadErr)
	}
	return render(tmpl, SystemData{ResponseLanguage: responseLanguage})
}

// BuildUserPrompt renders the question, the submitted code and its failing test cases.
func BuildUserPrompt(language string, q model.Question, sub model.QuestionSubmission) (string, error) {
	if userTemplate == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	data := UserData{
		Title:        q.Title,
		Description:  q.Description,
		Requirements: q.Requirements,
		Language:     language,
		Code:         sanitizeCode(sub.Code),
	}
	for i, tr := range sub.TestResults {
		if tr.Passed || i >= len(q.TestCases) {
			continue
		}
		data.Failed = append(data.Failed, FailedTest{
			Description: tr.Description,
			Expected:    truncate(q.TestCases[i].ExpectedOutput, maxOutputRunes),
			Actual:      truncate(tr.ActualOutput, maxOutputRunes),
			Error:       truncate(tr.Error, maxOutputRunes),
		})
	}
	return render(userTemplate, data)
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitizeCode strips tags that would let submitted code escape its block in the prompt.
func sanitizeCode(code string) string {
	code = strings.TrimSpace(studentCodeRegex.ReplaceAllString(code, ""))
	if code == "" {
		return "[No code provided]"
	}
	if utf8.RuneCountInString(code) > maxCodeRunes {
		return truncate(code, maxCodeRunes) + "\n\n[Code truncated due to length]"
	}
	return code
}

func truncate(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
