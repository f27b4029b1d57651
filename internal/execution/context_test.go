package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"jobagent/internal/pagelog"
	"jobagent/pkg/api"
)

// MockChannel implements feedback.Channel for testing.
type MockChannel struct {
	mu      sync.Mutex
	Pages   []pagelog.PageInfo
	Console []string
	Records []api.TimelineRecordUpdate
}

func (m *MockChannel) QueueLogPage(page pagelog.PageInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pages = append(m.Pages, page)
}

func (m *MockChannel) QueueConsoleLine(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Console = append(m.Console, line)
}

func (m *MockChannel) QueueRecordUpdate(update api.TimelineRecordUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, update)
}

func (m *MockChannel) UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error {
	return nil
}

func (m *MockChannel) Drain(ctx context.Context) error     { return nil }
func (m *MockChannel) DrainLogs(ctx context.Context) error { return nil }

func TestContext_PagesGoToFeedback(t *testing.T) {
	work := t.TempDir()
	ch := &MockChannel{}
	c := New(Options{
		WorkFolder: work,
		JobID:      "job-1",
		RecordID:   "task-1",
		PageSize:   2,
		Feedback:   ch,
	})

	for i := 0; i < 5; i++ {
		c.Info(fmt.Sprintf("message %d", i))
	}
	if len(ch.Pages) != 2 {
		t.Fatalf("expected 2 pages before End, got %d", len(ch.Pages))
	}
	if err := c.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if len(ch.Pages) != 3 {
		t.Fatalf("expected 3 pages after End, got %d", len(ch.Pages))
	}

	for i, p := range ch.Pages {
		if p.Sequence != i+1 {
			t.Errorf("expected sequence %d, got %d", i+1, p.Sequence)
		}
		if filepath.Dir(p.Path) != filepath.Join(work, LogsFolder) {
			t.Errorf("page %s is not under the logs folder", p.Path)
		}
		if p.Metadata.RecordID != "task-1" || p.Metadata.JobID != "job-1" {
			t.Errorf("unexpected metadata %+v", p.Metadata)
		}
	}

	if len(ch.Console) != 5 || ch.Console[0] != "message 0" {
		t.Errorf("expected console echo of every message, got %q", ch.Console)
	}
}

func TestContext_VerbosityFlag(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		t.Run(fmt.Sprintf("verbose=%v", verbose), func(t *testing.T) {
			ch := &MockChannel{}
			c := New(Options{WorkFolder: t.TempDir(), JobID: "j", RecordID: "r", Feedback: ch, Verbose: verbose})

			c.Verbose("details")
			c.End()

			if verbose && len(ch.Pages) != 1 {
				t.Errorf("expected verbose line to be paged, got %d pages", len(ch.Pages))
			}
			if !verbose && len(ch.Pages) != 0 {
				t.Errorf("expected verbose line to be dropped, got %d pages", len(ch.Pages))
			}
		})
	}
}

func TestContext_NoLogsNoFiles(t *testing.T) {
	work := t.TempDir()
	ch := &MockChannel{}
	c := New(Options{WorkFolder: work, JobID: "j", RecordID: "r", Feedback: ch})

	if err := c.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, LogsFolder)); !os.IsNotExist(err) {
		t.Error("expected no logs folder")
	}
	if c.Stream() != nil {
		t.Error("expected no stream metadata")
	}
	if len(ch.Pages) != 0 {
		t.Error("expected no pages")
	}
}

func TestContext_PageContent(t *testing.T) {
	ch := &MockChannel{}
	c := New(Options{WorkFolder: t.TempDir(), JobID: "j", RecordID: "r", Feedback: ch})

	c.Error("it broke")
	c.Output("raw tool output")
	c.End()

	if !c.HasErrors() {
		t.Error("expected error flag")
	}
	data, err := os.ReadFile(ch.Pages[0].Path)
	if err != nil {
		t.Fatalf("failed to read page: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", lines)
	}
	if !strings.HasPrefix(lines[0], "[Error] ") || !strings.HasSuffix(lines[0], ": it broke") {
		t.Errorf("unexpected error line %q", lines[0])
	}
	if lines[1] != "raw tool output" {
		t.Errorf("unexpected output line %q", lines[1])
	}
}
