package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/tree"
)

const titlePolicy = `# Titles stay short.
# Applies to the root title only.
package simtree.title

deny contains "title too long" if {
	input.path == "/title"
	count(input.value) > 8
}
`

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "title.rego"), titlePolicy)
	writeFile(t, filepath.Join(dir, "nested", "budget.json"), `{
		"name": "budget",
		"severity": "warning",
		"rego": "package simtree.budget\n\ndeny contains \"big\" if { input.value > 10 }\n"
	}`)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	title := byName["title"]
	if title.Description != "Titles stay short. Applies to the root title only." {
		t.Errorf("description = %q", title.Description)
	}
	if !title.Enabled || title.Severity != SeverityError {
		t.Errorf("title policy = %+v", title)
	}
	budget := byName["budget"]
	if !budget.Enabled || budget.Severity != SeverityWarning {
		t.Errorf("budget policy = %+v", budget)
	}
	if budget.Source == "" || budget.LoadedAt.IsZero() {
		t.Errorf("budget source/loaded-at not set: %+v", budget)
	}
}

func TestLoadFromPathsErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		setup func() []string
	}{
		{"missing path", func() []string { return []string{filepath.Join(dir, "nope")} }},
		{"bad json", func() []string {
			f := filepath.Join(dir, "bad", "bad.json")
			writeFile(t, f, "{")
			return []string{f}
		}},
		{"json without rego", func() []string {
			f := filepath.Join(dir, "empty", "empty.json")
			writeFile(t, f, `{"name": "empty"}`)
			return []string{f}
		}},
		{"duplicate name", func() []string {
			a := filepath.Join(dir, "dup1", "same.rego")
			b := filepath.Join(dir, "dup2", "same.rego")
			writeFile(t, a, titlePolicy)
			writeFile(t, b, titlePolicy)
			return []string{a, b}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), tt.setup()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEngineWatchReloads(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "title.rego")
	writeFile(t, file, titlePolicy)

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := eng.Watch(ctx, []string{dir})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer loader.StopWatching()

	long := tree.Call{Op: tree.OpWrite, Path: path.MustParse("/title"), Value: "a long title"}
	if err := eng.Authorize(ctx, long); err == nil {
		t.Fatal("expected initial policy to deny")
	}

	writeFile(t, file, "package simtree.title\n\ndeny contains \"never\" if { false }\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Authorize(ctx, long) == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policy change was not picked up")
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"# one\n# two\npackage x\n", "one two"},
		{"\n\n# after blank\npackage x\n", "after blank"},
		{"package x\n# late\n", ""},
	}
	for _, tt := range tests {
		if got := leadingComment(tt.in); got != tt.want {
			t.Errorf("leadingComment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
