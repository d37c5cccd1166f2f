package passphrase

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSourceUsesEnvironment(t *testing.T) {
	t.Setenv("ESCROWCTL_TEST_PASS", "s3cret")
	src := NewSource("ESCROWCTL_TEST_PASS", "identity keystore")
	got, err := src.Get()
	if err != nil || got != "s3cret" {
		t.Fatalf("get = %q, %v", got, err)
	}
	t.Setenv("ESCROWCTL_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "s3cret" {
		t.Fatalf("value not cached: %q", again)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("ESCROWCTL_TEST_PASS", "  ")
	if _, err := NewSource("ESCROWCTL_TEST_PASS", "").Get(); err == nil {
		t.Fatalf("expected empty passphrase error")
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	src := NewSource("ESCROWCTL_TEST_UNSET_VAR", "identity keystore")
	src.stdin = f
	_, err = src.Get()
	if err == nil || !strings.Contains(err.Error(), "identity keystore passphrase required") {
		t.Fatalf("expected non-terminal error, got %v", err)
	}
}
