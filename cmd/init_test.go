package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddToGitignore(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gitignore")
	if err := os.WriteFile(path, []byte("node_modules/"), 0644); err != nil {
		t.Fatal(err)
	}

	addToGitignore(path)
	addToGitignore(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "node_modules/\n.crmsync/\n" {
		t.Errorf(".gitignore = %q", got)
	}
	if strings.Count(string(data), ".crmsync/") != 1 {
		t.Error("entry added twice")
	}
}

func TestAddToGitignoreCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gitignore")
	addToGitignore(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != ".crmsync/\n" {
		t.Errorf(".gitignore = %q", data)
	}
}
