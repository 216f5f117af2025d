package agent

import "testing"

func TestExecutionStateRecordToolResult(t *testing.T) {
	s := NewExecutionState()
	s.RecordToolResult("web_search", true, "https://example.com")
	s.RecordToolResult("write_file", true, "/tmp/out.txt")
	s.RecordToolResult("edit_file", false, "/tmp/skip.txt")

	if !s.ContainsURL("https://example.com") {
		t.Fatalf("expected recorded URL to be present")
	}
	if len(s.FilesCreated) != 1 {
		t.Fatalf("expected one file created, got %d", len(s.FilesCreated))
	}
	if len(s.FilesEdited) != 0 {
		t.Fatalf("failed edit_file should not be recorded, got %d", len(s.FilesEdited))
	}
}

func TestExecutionStateGatheredWebDataIsBounded(t *testing.T) {
	s := NewExecutionState()
	for i := 0; i < maxGatheredWebData+50; i++ {
		s.RecordToolResult("fetch_webpage", true, "page")
	}
	if len(s.GatheredWebData) != maxGatheredWebData {
		t.Fatalf("expected GatheredWebData capped at %d, got %d", maxGatheredWebData, len(s.GatheredWebData))
	}
}
