package feedback

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobagent/internal/pagelog"
	"jobagent/pkg/api"

	"github.com/zeebo/blake3"
)

func TestClient_AcquireJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/internal/pools/3/jobs/acquire" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		var req api.AcquireJobRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.WorkerName != "agent-1" {
			t.Errorf("expected worker name agent-1, got %s", req.WorkerName)
		}
		json.NewEncoder(w).Encode(api.JobMessage{JobID: "job-9", RequestID: 12, LockToken: "tok"})
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", "secret")
	msg, err := c.AcquireJob(context.Background(), 3, "agent-1")
	if err != nil {
		t.Fatalf("AcquireJob failed: %v", err)
	}
	if msg == nil || msg.JobID != "job-9" || msg.RequestID != 12 {
		t.Errorf("unexpected job message %+v", msg)
	}
}

func TestClient_AcquireJob_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	msg, err := NewClient(server.URL, "").AcquireJob(context.Background(), 1, "a")
	if err != nil || msg != nil {
		t.Errorf("expected nil, nil; got %+v, %v", msg, err)
	}
}

func TestClient_RenewLease(t *testing.T) {
	lockedUntil := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/pools/1/requests/42/renew" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req api.RenewLeaseRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.LockToken != "tok" {
			t.Errorf("expected lock token tok, got %s", req.LockToken)
		}
		json.NewEncoder(w).Encode(api.RenewLeaseResponse{LockedUntil: lockedUntil})
	}))
	defer server.Close()

	got, err := NewClient(server.URL, "").RenewLease(context.Background(), 1, 42, "tok")
	if err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	if !got.Equal(lockedUntil) {
		t.Errorf("expected %v, got %v", lockedUntil, got)
	}
}

func TestClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "lease lost"})
	}))
	defer server.Close()

	err := NewClient(server.URL, "").UpdateJobRequest(context.Background(), 1, "tok", api.JobRequestUpdate{RequestID: 5})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "lease lost" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestClient_UpdateJobRequest_SendsLockToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/pools/2/requests/5/finish" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(api.HeaderLockToken) != "tok" {
			t.Errorf("missing lock token header")
		}
		var update api.JobRequestUpdate
		json.NewDecoder(r.Body).Decode(&update)
		if update.Result != api.ResultFailed {
			t.Errorf("expected failed result, got %s", update.Result)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := NewClient(server.URL, "").UpdateJobRequest(context.Background(), 2, "tok",
		api.JobRequestUpdate{RequestID: 5, Result: api.ResultFailed})
	if err != nil {
		t.Fatalf("UpdateJobRequest failed: %v", err)
	}
}

func TestClient_UploadPage(t *testing.T) {
	content := []byte("2024-01-01T00:00:00.000Z: hello\n2024-01-01T00:00:00.000Z: world\n")
	path := filepath.Join(t.TempDir(), "s_1.page")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/internal/jobs/job-1/logs/stream-1/pages/1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Encoding") != "zstd" {
			t.Error("expected zstd content encoding")
		}
		if r.Header.Get(api.HeaderRecordID) != "task-1" || r.Header.Get(api.HeaderPageSequence) != "1" {
			t.Errorf("unexpected page headers %v", r.Header)
		}

		body, _ := io.ReadAll(r.Body)
		data, err := DecompressPage(body)
		if err != nil {
			t.Errorf("failed to decompress page: %v", err)
			return
		}
		if string(data) != string(content) {
			t.Errorf("page content mismatch: %q", data)
		}
		digest := blake3.Sum256(data)
		if r.Header.Get(api.HeaderContentBlake3) != hex.EncodeToString(digest[:]) {
			t.Error("digest header does not match content")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	page := pagelog.PageInfo{
		Metadata: pagelog.Metadata{StreamID: "stream-1", JobID: "job-1", RecordID: "task-1"},
		Path:     path,
		Sequence: 1,
	}
	if err := NewClient(server.URL, "").UploadPage(context.Background(), page); err != nil {
		t.Fatalf("UploadPage failed: %v", err)
	}
}

func TestClient_UploadPage_MissingFile(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "")
	err := c.UploadPage(context.Background(), pagelog.PageInfo{Path: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Error("expected error for missing page file")
	}
}

func TestClient_ConsoleAndRecords(t *testing.T) {
	var gotLines []string
	var gotRecords []api.TimelineRecordUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/jobs/job-1/console":
			var req api.AppendConsoleRequest
			json.NewDecoder(r.Body).Decode(&req)
			gotLines = req.Lines
		case "/internal/jobs/job-1/timeline":
			var req api.UpdateRecordsRequest
			json.NewDecoder(r.Body).Decode(&req)
			gotRecords = req.Records
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	if err := c.AppendConsole(context.Background(), "job-1", []string{"a", "b"}); err != nil {
		t.Fatalf("AppendConsole failed: %v", err)
	}
	state := api.RecordStateCompleted
	if err := c.UpdateRecords(context.Background(), "job-1", []api.TimelineRecordUpdate{{ID: "t1", State: &state}}); err != nil {
		t.Fatalf("UpdateRecords failed: %v", err)
	}

	if len(gotLines) != 2 {
		t.Errorf("expected 2 console lines, got %v", gotLines)
	}
	if len(gotRecords) != 1 || *gotRecords[0].State != api.RecordStateCompleted {
		t.Errorf("unexpected records %+v", gotRecords)
	}
}
