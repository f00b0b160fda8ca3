package concierge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateAndConfirmTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			var submission TaskSubmission
			if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			if submission.Intent == "" {
				t.Fatalf("intent must be forwarded")
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "planned"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/task-1/confirm":
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "confirmed"})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	created, err := client.CreateTask(context.Background(), TaskSubmission{Intent: "dinner for two"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created.ID != "task-1" || created.Status != "planned" {
		t.Fatalf("unexpected task: %+v", created)
	}

	confirmed, err := client.ConfirmTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("confirm task: %v", err)
	}
	if confirmed.Status != "confirmed" {
		t.Fatalf("unexpected status: %s", confirmed.Status)
	}
}

func TestExecuteTaskSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1/execute" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get(IdempotencyHeader); got != "exec-1" {
			t.Fatalf("expected idempotency key exec-1, got %q", got)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "confirmed"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.ExecuteTask(context.Background(), "task-1", WithIdempotencyKey("exec-1")); err != nil {
		t.Fatalf("execute task: %v", err)
	}
}

func TestListTasksBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("status") != "planned,confirmed" {
			t.Fatalf("status query: %q", query.Get("status"))
		}
		if query.Get("limit") != "5" || query.Get("category") != "dining" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "task-1"}, {ID: "task-2"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	tasks, err := client.ListTasks(context.Background(), ListTasksOptions{
		Limit:    5,
		Statuses: []string{"planned", "confirmed"},
		Category: "dining",
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestGetTaskDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(struct {
			Error APIError `json:"error"`
		}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "task not found"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
