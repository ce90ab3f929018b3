package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("QUARRY_SECRET_PUSH_TOKEN", "tok-123")

	var r EnvResolver
	v, err := r.Resolve("push_token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "tok-123" {
		t.Errorf("value = %q, want tok-123", v)
	}

	v, err = r.Resolve("push-token")
	if err != nil {
		t.Fatalf("Resolve with dash: %v", err)
	}
	if v != "tok-123" {
		t.Errorf("dashed name value = %q, want tok-123", v)
	}

	if _, err := r.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing secret err = %v, want ErrNotFound", err)
	}
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("push_token: abc\n"), 0600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}

	r, err := NewFileResolver(path)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	defer r.Close()

	v, err := r.Resolve("push_token")
	if err != nil || v != "abc" {
		t.Fatalf("Resolve = %q, %v, want abc", v, err)
	}

	if _, err := r.Resolve("other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing secret err = %v, want ErrNotFound", err)
	}
}

func TestFileResolverReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("push_token: old\n"), 0600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}

	r, err := NewFileResolver(path)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	defer r.Close()

	if err := os.WriteFile(path, []byte("push_token: rotated\n"), 0600); err != nil {
		t.Fatalf("rewrite secrets file: %v", err)
	}

	// The watcher reloads asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, err := r.Resolve("push_token"); err == nil && v == "rotated" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("rotated secret never observed")
}

func TestChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("file_only: from-file\n"), 0600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	fr, err := NewFileResolver(path)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	defer fr.Close()

	t.Setenv("QUARRY_SECRET_ENV_ONLY", "from-env")
	chain := Chain{EnvResolver{}, fr}

	if v, err := chain.Resolve("env_only"); err != nil || v != "from-env" {
		t.Errorf("env_only = %q, %v", v, err)
	}
	if v, err := chain.Resolve("file_only"); err != nil || v != "from-file" {
		t.Errorf("file_only = %q, %v", v, err)
	}
	if _, err := chain.Resolve("nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("nowhere err = %v, want ErrNotFound", err)
	}
}
