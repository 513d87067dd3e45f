package models

import (
	"testing"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestFileType(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "/scans/doc-1.tif", "tif"},
		{"uppercase", "/scans/DOC-2.JPEG", "jpeg"},
		{"mixed case", "page.TiFf", "tiff"},
		{"no extension", "/scans/README", ""},
		{"dot directory", "/scans.v2/page", ""},
		{"double extension", "archive.tar.PNG", "png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FileType(tt.in)
			if got != tt.want {
				t.Errorf("FileType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "processing", "completed", "failed"} {
		st, ok := ParseStatus(s)
		if !ok {
			t.Errorf("ParseStatus(%q) reported invalid", s)
		}
		if string(st) != s {
			t.Errorf("ParseStatus(%q) = %q", s, st)
		}
	}
	if _, ok := ParseStatus("done"); ok {
		t.Error("ParseStatus(\"done\") should be invalid")
	}
}

func TestRecordIDString(t *testing.T) {
	id := surrealmodels.NewRecordID("file", "abc")
	got, err := RecordIDString(id)
	if err != nil {
		t.Fatalf("RecordIDString failed: %v", err)
	}
	if got != "abc" {
		t.Errorf("RecordIDString = %q, want %q", got, "abc")
	}

	if _, err := RecordIDString(surrealmodels.NewRecordID("file", 42)); err == nil {
		t.Error("RecordIDString should reject non-string IDs")
	}
}

func TestAggregateStatsCountFor(t *testing.T) {
	s := AggregateStats{Pending: 1, Processing: 2, Completed: 3, Failed: 4}
	if s.CountFor(StatusPending) != 1 || s.CountFor(StatusProcessing) != 2 ||
		s.CountFor(StatusCompleted) != 3 || s.CountFor(StatusFailed) != 4 {
		t.Errorf("CountFor returned wrong counts for %+v", s)
	}
}
