package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/tree"
)

// setupTestJournal opens an in-memory journal.
func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalLifecycle(t *testing.T) {
	j, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	ctx := context.Background()
	if err := j.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before init")
	}
	if err := j.Init(ctx); err != nil {
		t.Fatalf("failed to initialize journal: %v", err)
	}
	if err := j.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := j.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := j.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("failed to close journal: %v", err)
	}
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordCalls(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	calls := []tree.Call{
		{
			SessionID: "s1",
			Op:        tree.OpWrite,
			Path:      path.MustParse("/solver/iterations"),
			Value:     200,
			Duration:  1500 * time.Microsecond,
		},
		{
			SessionID: "s1",
			Op:        tree.OpRename,
			Path:      path.MustParse("/boundary:in"),
			NewName:   "inlet",
		},
		{
			SessionID: "s1",
			Op:        tree.OpExecute,
			Path:      path.MustParse("/iterate"),
			Args:      map[string]tree.Value{"count": 5},
			Err:       tree.NewValidationError("count out of range", nil),
		},
	}
	for _, c := range calls {
		if err := j.Record(ctx, c); err != nil {
			t.Fatalf("Record(%s) error = %v", c.Op, err)
		}
	}

	entries, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	// Newest first.
	exec, rename, write := entries[0], entries[1], entries[2]

	if write.Op != "write" || write.Path != "/solver/iterations" {
		t.Errorf("unexpected write entry %+v", write)
	}
	if write.Value == nil || *write.Value != "200" {
		t.Errorf("write value = %v, want 200", write.Value)
	}
	if write.Duration != 1500*time.Microsecond {
		t.Errorf("write duration = %v", write.Duration)
	}
	if write.Status != StatusOK || write.Error != nil {
		t.Errorf("write status = %s, error = %v", write.Status, write.Error)
	}

	if rename.NewName == nil || *rename.NewName != "inlet" {
		t.Errorf("rename new name = %v", rename.NewName)
	}
	if rename.Value != nil {
		t.Errorf("rename should carry no value, got %s", *rename.Value)
	}

	if exec.Status != StatusError {
		t.Errorf("exec status = %s, want error", exec.Status)
	}
	if exec.ErrorClass == nil || *exec.ErrorClass != string(tree.ClassValidation) {
		t.Errorf("exec error class = %v", exec.ErrorClass)
	}
	if exec.Args == nil || *exec.Args != `{"count":5}` {
		t.Errorf("exec args = %v", exec.Args)
	}

	got, err := j.Get(ctx, write.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != write.ID || got.Path != write.Path {
		t.Errorf("Get() = %+v, want %+v", got, write)
	}
	if _, err := j.Get(ctx, "missing"); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestListFilters(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{SessionID: "a", Op: "write", Path: "/contour:c1/field", Status: StatusOK, RecordedAt: base},
		{SessionID: "a", Op: "delete", Path: "/contour:c1", Status: StatusOK, RecordedAt: base.Add(time.Minute)},
		{SessionID: "b", Op: "write", Path: "/contour:c10/field", Status: StatusOK, RecordedAt: base.Add(2 * time.Minute)},
		{SessionID: "b", Op: "write", Path: "/title", Status: StatusOK, RecordedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"/title", "/contour:c10/field", "/contour:c1", "/contour:c1/field"}},
		{"session", Filter{SessionID: "a"}, []string{"/contour:c1", "/contour:c1/field"}},
		{"op", Filter{Op: "write"}, []string{"/title", "/contour:c10/field", "/contour:c1/field"}},
		{"path prefix", Filter{PathPrefix: "/contour:c1"}, []string{"/contour:c1", "/contour:c1/field"}},
		{"since", Filter{Since: base.Add(2 * time.Minute)}, []string{"/title", "/contour:c10/field"}},
		{"limit", Filter{Limit: 1}, []string{"/title"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var paths []string
			for _, e := range got {
				paths = append(paths, e.Path)
			}
			if len(paths) != len(tt.want) {
				t.Fatalf("List() = %v, want %v", paths, tt.want)
			}
			for i := range paths {
				if paths[i] != tt.want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, paths[i], tt.want[i])
				}
			}
		})
	}
}

func TestPrune(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := &Entry{SessionID: "s", Op: "write", Path: "/x", Status: StatusOK, RecordedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := j.Prune(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d entries, want 2", n)
	}
	left, _ := j.List(ctx, Filter{})
	if len(left) != 3 {
		t.Errorf("expected 3 entries left, got %d", len(left))
	}
}

func TestRecordUnencodableValue(t *testing.T) {
	j := setupTestJournal(t)
	err := j.Record(context.Background(), tree.Call{
		SessionID: "s",
		Op:        tree.OpWrite,
		Path:      path.MustParse("/x"),
		Value:     make(chan int),
	})
	if err == nil {
		t.Fatal("expected encode error")
	}
	var te *tree.Error
	if errors.As(err, &te) {
		t.Errorf("encode failure should not be a tree error: %v", err)
	}
}
