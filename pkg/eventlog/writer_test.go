package eventlog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeagent/pkg/proto"
)

func event(session string, kind proto.EventKind) proto.TurnEvent {
	return proto.TurnEvent{
		SessionID: session,
		Kind:      kind,
		State:     proto.StateExecute,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewWriter(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "logs")

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	if _, err := os.Stat(tmpDir); err != nil {
		t.Fatalf("Expected log directory to exist: %v", err)
	}
	if writer.GetCurrentLogFile() == "" {
		t.Error("Expected an active log file")
	}
}

func TestWriteAndReadEvents(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	ev := event("s1", proto.EventExecution)
	ev.Code = "print(1)"
	ev.Stdout = "1\n"
	ev.ExecOutcome = "completed"
	if err := writer.WriteEvent(&ev); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}
	writer.OnEvent(event("s1", proto.EventTerminal))

	events, err := ReadEvents(writer.GetCurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Code != "print(1)" || events[0].Stdout != "1\n" {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[1].Kind != proto.EventTerminal {
		t.Errorf("Expected terminal event, got %s", events[1].Kind)
	}
}

func TestDailyRotation(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	day := time.Date(2025, 12, 24, 23, 0, 0, 0, time.UTC)
	writer.mu.Lock()
	writer.now = func() time.Time { return day }
	writer.mu.Unlock()

	writer.OnEvent(event("s1", proto.EventPlan))
	eveFile := writer.GetCurrentLogFile()

	day = day.Add(2 * time.Hour)
	writer.OnEvent(event("s1", proto.EventExecution))
	christmasFile := writer.GetCurrentLogFile()

	if eveFile == christmasFile {
		t.Fatalf("Expected rotation, still writing %s", eveFile)
	}
	if filepath.Base(christmasFile) != "events-2025-12-25.jsonl" {
		t.Errorf("Unexpected rotated file name %s", christmasFile)
	}

	files, err := ListLogFiles(tmpDir)
	if err != nil {
		t.Fatalf("Failed to list files: %v", err)
	}
	if len(files) < 2 {
		t.Errorf("Expected at least 2 log files, got %d", len(files))
	}

	events, err := ReadSession(tmpDir, "s1")
	if err != nil {
		t.Fatalf("Failed to read session: %v", err)
	}
	if len(events) != 2 || events[0].Kind != proto.EventPlan || events[1].Kind != proto.EventExecution {
		t.Errorf("Unexpected session events: %+v", events)
	}
}

func TestReadSessionFiltersOtherSessions(t *testing.T) {
	tmpDir := t.TempDir()
	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	writer.OnEvent(event("a", proto.EventPlan))
	writer.OnEvent(event("b", proto.EventPlan))
	writer.OnEvent(event("a", proto.EventTerminal))

	events, err := ReadSession(tmpDir, "a")
	if err != nil {
		t.Fatalf("Failed to read session: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events for session a, got %d", len(events))
	}
}

func TestReadEventsSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-test.jsonl")
	content := `{"session_id":"x","kind":"plan","state":"GENERATE","timestamp":"2025-01-01T00:00:00Z"}` + "\n\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(events) != 1 || events[0].State != proto.StateGenerate {
		t.Errorf("Unexpected events: %+v", events)
	}
}

func TestReadEventsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-bad.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	if _, err := ReadEvents(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestWriterClose(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	if writer.GetCurrentLogFile() != "" {
		t.Error("Expected no active file after close")
	}
	ev := event("s", proto.EventPlan)
	if err := writer.WriteEvent(&ev); err == nil {
		t.Error("Expected write after close to fail")
	}
	if err := writer.Close(); err != nil {
		t.Errorf("Second close should be a no-op: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	const goroutines, perGoroutine = 8, 25
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				writer.OnEvent(event("s", proto.EventPlan))
			}
		}()
	}
	wg.Wait()

	events, err := ReadEvents(writer.GetCurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(events) != goroutines*perGoroutine {
		t.Errorf("Expected %d events, got %d", goroutines*perGoroutine, len(events))
	}
}
