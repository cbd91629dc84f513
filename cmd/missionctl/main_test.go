package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment line\n" +
		"\n" +
		"MISSIONCTL_TEST_A=alpha\n" +
		"MISSIONCTL_TEST_B = beta \n" +
		"=novalue\n" +
		"not a pair\n" +
		"MISSIONCTL_TEST_C=gamma\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("MISSIONCTL_TEST_A", "")
	t.Setenv("MISSIONCTL_TEST_B", "")
	t.Setenv("MISSIONCTL_TEST_C", "preset")

	loadDotEnv(path)

	if got := os.Getenv("MISSIONCTL_TEST_A"); got != "alpha" {
		t.Fatalf("MISSIONCTL_TEST_A = %q, want %q", got, "alpha")
	}
	if got := os.Getenv("MISSIONCTL_TEST_B"); got != "beta" {
		t.Fatalf("MISSIONCTL_TEST_B = %q, want %q", got, "beta")
	}
	if got := os.Getenv("MISSIONCTL_TEST_C"); got != "preset" {
		t.Fatalf("MISSIONCTL_TEST_C = %q, want %q (env should win over .env)", got, "preset")
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must be a no-op, not a panic.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
