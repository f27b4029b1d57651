package feedback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobagent/internal/pagelog"
	"jobagent/pkg/api"
)

// MockTransport implements Transport for testing.
type MockTransport struct {
	mu sync.Mutex

	UploadPageFunc    func(ctx context.Context, page pagelog.PageInfo) error
	UpdateRecordsFunc func(ctx context.Context, updates []api.TimelineRecordUpdate) error

	ConsoleLines  []string
	Pages         []pagelog.PageInfo
	RecordBatches [][]api.TimelineRecordUpdate
	JobUpdates    []api.JobRequestUpdate
}

func (m *MockTransport) AppendConsole(ctx context.Context, jobID string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsoleLines = append(m.ConsoleLines, lines...)
	return nil
}

func (m *MockTransport) UpdateRecords(ctx context.Context, jobID string, updates []api.TimelineRecordUpdate) error {
	if m.UpdateRecordsFunc != nil {
		if err := m.UpdateRecordsFunc(ctx, updates); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordBatches = append(m.RecordBatches, updates)
	return nil
}

func (m *MockTransport) UploadPage(ctx context.Context, page pagelog.PageInfo) error {
	if m.UploadPageFunc != nil {
		if err := m.UploadPageFunc(ctx, page); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pages = append(m.Pages, page)
	return nil
}

func (m *MockTransport) UpdateJobRequest(ctx context.Context, poolID int64, lockToken string, update api.JobRequestUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobUpdates = append(m.JobUpdates, update)
	return nil
}

func newTestQueue(t *testing.T, tr Transport) *Queue {
	t.Helper()
	q := NewQueue(tr, QueueConfig{
		JobID:         "job-1",
		FlushInterval: time.Hour, // only explicit drains flush
		Attempts:      2,
		RetryDelay:    time.Millisecond,
		RateLimit:     1000,
	}, nil, nil)
	t.Cleanup(q.Close)
	return q
}

func strPtr(s string) *string { return &s }

func TestQueue_DrainDeliversEverything(t *testing.T) {
	tr := &MockTransport{}
	q := newTestQueue(t, tr)

	q.QueueConsoleLine("hello")
	q.QueueConsoleLine("world")
	q.QueueLogPage(pagelog.PageInfo{Sequence: 1, Metadata: pagelog.Metadata{StreamID: "s"}})
	q.QueueLogPage(pagelog.PageInfo{Sequence: 2, Metadata: pagelog.Metadata{StreamID: "s"}})
	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "t1", Name: strPtr("Build")})

	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if strings.Join(tr.ConsoleLines, ",") != "hello,world" {
		t.Errorf("unexpected console lines %v", tr.ConsoleLines)
	}
	if len(tr.Pages) != 2 || tr.Pages[0].Sequence != 1 || tr.Pages[1].Sequence != 2 {
		t.Errorf("expected pages 1,2 in order, got %+v", tr.Pages)
	}
	if len(tr.RecordBatches) != 1 || tr.RecordBatches[0][0].ID != "t1" {
		t.Errorf("unexpected record batches %+v", tr.RecordBatches)
	}
}

func TestQueue_CoalescesRecordUpdates(t *testing.T) {
	tr := &MockTransport{}
	q := newTestQueue(t, tr)

	state := api.RecordStateInProgress
	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "job", CurrentOperation: strPtr("Starting")})
	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "t1", CurrentOperation: strPtr("Initializing")})
	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "job", CurrentOperation: strPtr("Starting Build"), State: &state})

	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	batch := tr.RecordBatches[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 coalesced updates, got %d", len(batch))
	}
	if batch[0].ID != "job" || *batch[0].CurrentOperation != "Starting Build" || *batch[0].State != api.RecordStateInProgress {
		t.Errorf("unexpected coalesced job update %+v", batch[0])
	}
	if batch[1].ID != "t1" {
		t.Errorf("expected first-appearance order, got %s second", batch[1].ID)
	}
}

func TestQueue_DrainReportsDefinitiveFailure(t *testing.T) {
	var calls int
	tr := &MockTransport{
		UploadPageFunc: func(ctx context.Context, page pagelog.PageInfo) error {
			calls++
			return errors.New("503")
		},
	}
	q := newTestQueue(t, tr)

	q.QueueLogPage(pagelog.PageInfo{Sequence: 1})
	q.QueueConsoleLine("still delivered")

	err := q.Drain(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected drain failure, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if len(tr.ConsoleLines) != 1 {
		t.Error("expected other items to be delivered despite the failure")
	}

	// Failures are reported once.
	if err := q.Drain(context.Background()); err != nil {
		t.Errorf("expected clean second drain, got %v", err)
	}
}

func TestQueue_DrainLogsLeavesRecords(t *testing.T) {
	tr := &MockTransport{
		UpdateRecordsFunc: func(ctx context.Context, updates []api.TimelineRecordUpdate) error {
			return errors.New("records down")
		},
	}
	q := newTestQueue(t, tr)

	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "t1"})
	q.QueueConsoleLine("x")

	if err := q.DrainLogs(context.Background()); err != nil {
		t.Fatalf("DrainLogs failed: %v", err)
	}
	if len(tr.ConsoleLines) != 1 {
		t.Error("expected console lines flushed")
	}

	if err := q.Drain(context.Background()); err == nil {
		t.Error("expected full drain to surface record failure")
	}
}

func TestQueue_RetrySucceeds(t *testing.T) {
	var calls int
	tr := &MockTransport{
		UploadPageFunc: func(ctx context.Context, page pagelog.PageInfo) error {
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}
	q := newTestQueue(t, tr)

	q.QueueLogPage(pagelog.PageInfo{Sequence: 1})
	if err := q.Drain(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(tr.Pages) != 1 {
		t.Errorf("expected 1 delivered page, got %d", len(tr.Pages))
	}
}

func TestQueue_DrainAfterClose(t *testing.T) {
	tr := &MockTransport{}
	q := NewQueue(tr, QueueConfig{FlushInterval: time.Hour}, nil, nil)

	q.QueueConsoleLine("flushed on close")
	q.Close()

	if len(tr.ConsoleLines) != 1 {
		t.Errorf("expected Close to flush pending items, got %v", tr.ConsoleLines)
	}
	if err := q.Drain(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}

	// Queuing after close must not panic or block.
	q.QueueConsoleLine("dropped")
	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "x"})
	q.QueueLogPage(pagelog.PageInfo{})
}

func TestQueue_BackgroundFlush(t *testing.T) {
	tr := &MockTransport{}
	q := NewQueue(tr, QueueConfig{FlushInterval: 10 * time.Millisecond, RateLimit: 1000}, nil, nil)
	defer q.Close()

	q.QueueRecordUpdate(api.TimelineRecordUpdate{ID: "t1"})

	deadline := time.After(time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.RecordBatches)
		tr.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("background flush did not deliver the update")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueue_UpdateJobRequest(t *testing.T) {
	tr := &MockTransport{}
	q := newTestQueue(t, tr)

	update := api.JobRequestUpdate{RequestID: 7, Result: api.ResultSucceeded}
	if err := q.UpdateJobRequest(context.Background(), 1, "lock", update); err != nil {
		t.Fatalf("UpdateJobRequest failed: %v", err)
	}
	if len(tr.JobUpdates) != 1 || tr.JobUpdates[0].RequestID != 7 {
		t.Errorf("unexpected job updates %+v", tr.JobUpdates)
	}
}
