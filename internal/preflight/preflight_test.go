package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"storyloom/internal/config"
	"storyloom/internal/stage"
	"storyloom/internal/stage/remote"
	"storyloom/internal/stage/simulate"
)

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckStore(t *testing.T) {
	if r := CheckStore(context.Background(), "sqlite", fakeStore{}); !r.Passed {
		t.Fatalf("expected pass, got %s", r.Detail)
	}
	r := CheckStore(context.Background(), "postgres", fakeStore{err: context.DeadlineExceeded})
	if r.Passed || r.Detail != "postgres unreachable (timed out)" {
		t.Fatalf("unexpected result %+v", r)
	}
	r = CheckStore(context.Background(), "postgres", fakeStore{err: errors.New("connection refused")})
	if r.Passed || r.Detail != "postgres unreachable (connection refused)" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestCheckExecutorRemote(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	exec, err := remote.New(healthy.URL)
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	if r := CheckExecutor(context.Background(), "remote", exec); !r.Passed {
		t.Fatalf("expected pass, got %s", r.Detail)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	exec, err = remote.New(down.URL)
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	if r := CheckExecutor(context.Background(), "remote", exec); r.Passed {
		t.Fatal("expected failure for unavailable service")
	}
}

func TestRunAllSkipsMissingComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.LogDir = filepath.Join(t.TempDir(), "missing")

	results := RunAll(context.Background(), &cfg, nil, nil)
	if len(results) != 2 {
		t.Fatalf("expected directory checks only, got %d results", len(results))
	}
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Log directory" {
		t.Fatalf("expected the missing log directory to fail, got %+v", failed)
	}

	var exec stage.Executor = simulate.New()
	results = RunAll(context.Background(), &cfg, fakeStore{}, exec)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if got := Failed(results); len(got) != 1 {
		t.Fatalf("expected only the log directory to fail, got %+v", got)
	}
}
