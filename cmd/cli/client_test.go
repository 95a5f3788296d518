package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"compile-sandbox/internal/api"
	"compile-sandbox/internal/job"
	"compile-sandbox/internal/storage"
)

func TestClientSubmitSendsKey(t *testing.T) {
	var gotKey string
	var got api.RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(api.RunResponse{JobID: got.JobID})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	resp, err := c.Submit(context.Background(), api.RunRequest{JobID: "j1", Code: "class Main {}"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if resp.JobID != "j1" || gotKey != "secret" || got.Code != "class Main {}" {
		t.Errorf("resp = %+v, key = %q, body = %+v", resp, gotKey, got)
	}
}

func TestClientWaitPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := job.StatusRunning
		if calls.Add(1) >= 3 {
			status = job.StatusSuccess
		}
		_ = json.NewEncoder(w).Encode(api.ResultResponse{Status: status, Output: "2\n"})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "").Wait(context.Background(), "j1", 10*time.Second)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if res.Status != job.StatusSuccess || calls.Load() != 3 {
		t.Errorf("status = %s after %d polls", res.Status, calls.Load())
	}
}

func TestClientWaitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ResultResponse{Status: job.StatusPending})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").Wait(context.Background(), "j1", 200*time.Millisecond); err == nil {
		t.Error("Wait() succeeded on a job that never finished")
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job is not in the processing ledger", Code: "NOT_PROCESSING"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").post(context.Background(), "/api/admin/processing/x/requeue", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_PROCESSING" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClientArchivedDeadLettersQuery(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode(api.ArchivedDeadLettersResponse{
			Records: []storage.DeadLetterRecord{{JobID: "j9", Error: "slot gone"}},
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "").ArchivedDeadLetters(context.Background(), 5, "j9", "2026-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("ArchivedDeadLetters() = %v", err)
	}
	if len(resp.Records) != 1 || resp.Records[0].JobID != "j9" {
		t.Errorf("records = %+v", resp.Records)
	}

	want := map[string]string{"source": "archive", "limit": "5", "jobId": "j9", "since": "2026-03-01T00:00:00Z"}
	for k, v := range want {
		if got := gotQuery.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}
