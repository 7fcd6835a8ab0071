package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRepo_CommitAndRemove(t *testing.T) {
	repo := NewRepo(t)

	repo.WriteFile("dir/a.txt", "hello\n")
	first := repo.Commit("add a")
	if len(first) != 40 {
		t.Fatalf("expected a 40 character commit hash, got %q", first)
	}

	if _, err := os.Stat(filepath.Join(repo.Dir, "dir", "a.txt")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	repo.Remove("dir/a.txt")
	second := repo.Commit("remove a")
	if second == first {
		t.Error("expected a new commit after removal")
	}
	if got := repo.Head(); got != second {
		t.Errorf("Head() = %s, want %s", got, second)
	}
}
