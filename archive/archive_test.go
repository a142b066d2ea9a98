package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"runs/20251018T120000Z-abc-report.json", true},
		{"export.json", true},
		{"runs/../secret.json", false},
		{"/etc/passwd.json", false},
		{"runs/report.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := ValidKey(tt.key); got != tt.want {
				t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestRunKey(t *testing.T) {
	started := time.Date(2025, 10, 18, 23, 59, 59, 0, time.FixedZone("UTC+8", 8*3600))
	got := RunKey(started, "abc", "report")
	if want := "runs/20251018T155959Z-abc-report.json"; got != want {
		t.Errorf("RunKey() = %q, want %q", got, want)
	}
	if !ValidKey(got) {
		t.Errorf("RunKey() produced an invalid key")
	}
}

func TestLocalSaveLoadList(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(nil, "", dir, discardLogger())

	type doc struct {
		Count int `json:"count"`
	}
	if err := s.Save(ctx, "runs/b-report.json", doc{Count: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "runs/a-report.json", doc{Count: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "export.json", doc{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "runs", "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	keys, err := s.List(ctx, "runs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "runs/a-report.json" || keys[1] != "runs/b-report.json" {
		t.Errorf("List() = %v", keys)
	}

	var got doc
	if err := s.Load(ctx, "runs/b-report.json", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Count != 2 {
		t.Errorf("Load() = %+v", got)
	}

	if err := s.Load(ctx, "runs/missing.json", &got); !IsNotFound(err) {
		t.Errorf("Load(missing) = %v, want not found", err)
	}
	if err := s.Save(ctx, "../escape.json", doc{}); err == nil {
		t.Error("Save() accepted a traversal key")
	}
}

func TestLocalListMissingDirectory(t *testing.T) {
	s := New(nil, "", filepath.Join(t.TempDir(), "absent"), discardLogger())
	keys, err := s.List(context.Background(), "runs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List() = %v, want empty", keys)
	}
}
