// Package sandbox talks to a Piston-compatible code execution service.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pavelanni/codeexam/internal/model"
)

const (
	defaultRunTimeout  = 10 * time.Second
	compileTimeout     = 3 * time.Second
	runMemoryLimit     = 128_000_000
	requestOverhead    = 5 * time.Second
	maxErrorBodyLength = 512
)

// ErrUnsupportedLanguage is returned for a language the sandbox has no runtime for.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Request is a single program execution.
type Request struct {
	Language string
	Source   string
	Stdin    string
	Timeout  time.Duration
}

// Result is what the sandbox reported for one execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Version  string
}

// Client executes code on a remote sandbox. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	sem     *semaphore.Weighted
}

// New creates a client for the sandbox at baseURL allowing at most concurrency in-flight executions.
func New(baseURL string, concurrency int) *Client {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		sem:     semaphore.NewWeighted(int64(concurrency)),
	}
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language       string       `json:"language"`
	Version        string       `json:"version"`
	Files          []pistonFile `json:"files"`
	Stdin          string       `json:"stdin,omitempty"`
	RunTimeout     int64        `json:"run_timeout"`
	CompileTimeout int64        `json:"compile_timeout"`
	RunMemoryLimit int64        `json:"run_memory_limit"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      *pistonStage `json:"run"`
	Compile  *pistonStage `json:"compile"`
	Message  string       `json:"message"`
}

// Execute runs req.Source with req.Stdin. Transport failures, 5xx responses and request
// deadlines wrap model.ErrSandboxUnavailable; a program that exceeds req.Timeout is not an
// error but a Result with TimedOut set.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	lang, ok := Lookup(req.Language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: wait for execution slot: %v", model.ErrSandboxUnavailable, err)
	}
	defer c.sem.Release(1)

	body, err := json.Marshal(pistonRequest{
		Language:       lang.Runtime,
		Version:        lang.Version,
		Files:          []pistonFile{{Name: lang.FileName, Content: req.Source}},
		Stdin:          req.Stdin,
		RunTimeout:     timeout.Milliseconds(),
		CompileTimeout: compileTimeout.Milliseconds(),
		RunMemoryLimit: runMemoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+compileTimeout+requestOverhead)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/v2/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSandboxUnavailable, err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d: %s", model.ErrSandboxUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil, fmt.Errorf("sandbox rejected request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pr pistonResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", model.ErrSandboxUnavailable, err)
	}
	return pr.result(elapsed), nil
}

func (pr *pistonResponse) result(elapsed time.Duration) *Result {
	res := &Result{Duration: elapsed, Version: pr.Version}
	if pr.Compile != nil && exitCode(pr.Compile) != 0 {
		res.ExitCode = exitCode(pr.Compile)
		res.Stderr = pr.Compile.Stderr
		if res.Stderr == "" {
			res.Stderr = pr.Compile.Stdout
		}
		if res.Stderr == "" {
			res.Stderr = "compile error"
		}
		res.TimedOut = killed(pr.Compile)
		return res
	}
	if pr.Run == nil {
		res.ExitCode = -1
		res.Stderr = pr.Message
		return res
	}
	res.Stdout = pr.Run.Stdout
	res.Stderr = pr.Run.Stderr
	res.ExitCode = exitCode(pr.Run)
	res.TimedOut = killed(pr.Run)
	return res
}

// exitCode treats a stage terminated by a signal (no code) as a failure.
func exitCode(st *pistonStage) int {
	if st.Code != nil {
		return *st.Code
	}
	if st.Signal != nil && *st.Signal != "" {
		return -1
	}
	return 0
}

func killed(st *pistonStage) bool {
	return st.Signal != nil && *st.Signal == "SIGKILL"
}

// Runtime is a runtime installed on the sandbox.
type Runtime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
}

// Runtimes lists the runtimes the sandbox has installed.
func (c *Client) Runtimes(ctx context.Context) ([]Runtime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/runtimes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSandboxUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: runtimes: status %d", model.ErrSandboxUnavailable, resp.StatusCode)
	}
	var runtimes []Runtime
	if err := json.NewDecoder(resp.Body).Decode(&runtimes); err != nil {
		return nil, fmt.Errorf("decode runtimes: %w", err)
	}
	return runtimes, nil
}

// Ping verifies the sandbox is reachable and has a runtime for every supported language.
func (c *Client) Ping(ctx context.Context) error {
	runtimes, err := c.Runtimes(ctx)
	if err != nil {
		return err
	}
	installed := make(map[string]bool)
	for _, rt := range runtimes {
		installed[rt.Language] = true
		for _, a := range rt.Aliases {
			installed[a] = true
		}
	}
	var missing []string
	for _, name := range Supported() {
		lang, _ := Lookup(name)
		if !installed[lang.Runtime] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("sandbox has no runtime for: %s", strings.Join(missing, ", "))
	}
	return nil
}
