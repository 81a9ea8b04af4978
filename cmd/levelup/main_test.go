package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestSolveText(t *testing.T) {
	out, err := execute(t, "solve", "--text", "3 + 4 =", "۱۲ ÷ ۴")
	if err != nil {
		t.Fatalf("solve: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "= 7") || !strings.HasSuffix(lines[1], "= 3") {
		t.Fatalf("out=%q", out)
	}
}

func TestSolveTextFailureExitCode(t *testing.T) {
	out, err := execute(t, "solve", "--text", "lorem")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Fatalf("err=%v out=%s", err, out)
	}
	if !strings.Contains(out, "error:") {
		t.Fatalf("out=%q", out)
	}
}

func TestCheck(t *testing.T) {
	t.Setenv("LEVELUP_TELEGRAM_TOKEN", "")
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("telegram:\n  token: t\n  group_id: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "check", "--config", good)
	if err != nil || !strings.Contains(out, "config ok") {
		t.Fatalf("check good: %v %s", err, out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("telegram:\n  token: t\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "check", "--config", bad); err == nil || !strings.Contains(err.Error(), "telegram.group_id") {
		t.Fatalf("check bad: %v", err)
	}
}

func TestLoginNeedsUserSession(t *testing.T) {
	t.Setenv("LEVELUP_TELEGRAM_TOKEN", "")
	path := filepath.Join(t.TempDir(), "bot.yaml")
	if err := os.WriteFile(path, []byte("telegram:\n  token: t\n  group_id: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "login", "--config", path)
	if err == nil || !strings.Contains(err.Error(), `telegram.mode "user"`) {
		t.Fatalf("err=%v", err)
	}
}
