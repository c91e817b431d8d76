package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/codeexam/internal/model"
)

func newPiston(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2)
}

func TestExecuteRun(t *testing.T) {
	var got pistonRequest
	c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/execute" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"language":"python","version":"3.10.0","run":{"stdout":"3\n","stderr":"","code":0,"signal":null}}`))
	})

	res, err := c.Execute(context.Background(), Request{
		Language: "python",
		Source:   "print(1+2)",
		Stdin:    "1 2",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "3\n" || res.ExitCode != 0 || res.TimedOut {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Version != "3.10.0" {
		t.Errorf("expected version 3.10.0, got %q", res.Version)
	}
	if got.Language != "python" || got.Stdin != "1 2" || got.RunTimeout != 2000 {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Files) != 1 || got.Files[0].Name != "main.py" || got.Files[0].Content != "print(1+2)" {
		t.Errorf("unexpected files %+v", got.Files)
	}
}

func TestExecuteResults(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantExit     int
		wantTimedOut bool
		wantStderr   string
	}{
		{"runtime error", `{"run":{"stdout":"","stderr":"boom","code":1,"signal":null}}`, 1, false, "boom"},
		{"killed on timeout", `{"run":{"stdout":"partial","stderr":"","code":null,"signal":"SIGKILL"}}`, -1, true, ""},
		{"compile error", `{"compile":{"stdout":"","stderr":"TS2304","code":2},"run":{"stdout":"","code":0}}`, 2, false, "TS2304"},
		{"compile ok", `{"compile":{"stdout":"","stderr":"","code":0},"run":{"stdout":"ok","code":0}}`, 0, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			res, err := c.Execute(context.Background(), Request{Language: "typescript", Source: "x"})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.wantExit)
			}
			if res.TimedOut != tt.wantTimedOut {
				t.Errorf("timed out = %v, want %v", res.TimedOut, tt.wantTimedOut)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestExecuteErrors(t *testing.T) {
	t.Run("unsupported language", func(t *testing.T) {
		c := New("http://127.0.0.1:1", 1)
		_, err := c.Execute(context.Background(), Request{Language: "cobol"})
		if !errors.Is(err, ErrUnsupportedLanguage) {
			t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
		}
	})

	t.Run("server error is unavailable", func(t *testing.T) {
		c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusBadGateway)
		})
		_, err := c.Execute(context.Background(), Request{Language: "python"})
		if !errors.Is(err, model.ErrSandboxUnavailable) {
			t.Errorf("expected ErrSandboxUnavailable, got %v", err)
		}
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"runtime unknown"}`, http.StatusBadRequest)
		})
		_, err := c.Execute(context.Background(), Request{Language: "python"})
		if err == nil || errors.Is(err, model.ErrSandboxUnavailable) {
			t.Errorf("expected a permanent error, got %v", err)
		}
	})

	t.Run("connection refused is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := New(url, 1).Execute(context.Background(), Request{Language: "python"})
		if !errors.Is(err, model.ErrSandboxUnavailable) {
			t.Errorf("expected ErrSandboxUnavailable, got %v", err)
		}
	})
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(`{"run":{"stdout":"","code":0}}`))
	})

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := c.Execute(context.Background(), Request{Language: "javascript"}); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent executions, saw %d", peak.Load())
	}
}

func TestPing(t *testing.T) {
	t.Run("all runtimes installed", func(t *testing.T) {
		c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"language":"javascript","version":"18.15.0","aliases":["node","js"]},
				{"language":"typescript","version":"5.0.3","aliases":["ts"]},
				{"language":"python","version":"3.10.0","aliases":["py"]}]`))
		})
		if err := c.Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})

	t.Run("missing runtime", func(t *testing.T) {
		c := newPiston(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"language":"python","version":"3.10.0","aliases":[]}]`))
		})
		if err := c.Ping(context.Background()); err == nil {
			t.Error("expected error for missing runtimes")
		}
	})
}
