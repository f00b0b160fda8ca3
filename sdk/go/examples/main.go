package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ConciergeFlow/sdk/go/concierge"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(concierge.Task{
			ID:       "task-demo",
			Status:   "planned",
			Category: "dining",
			Plan: &concierge.Plan{
				Title: "晚餐预订",
				Terms: concierge.Terms{Amount: 96, Deposit: 28.8, Currency: "CNY"},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/tasks/task-demo/confirm", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(concierge.Task{ID: "task-demo", Status: "confirmed"})
	})
	mux.HandleFunc("POST /api/v1/tasks/task-demo/execute", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(concierge.Task{ID: "task-demo", Status: "confirmed"})
	})
	mux.HandleFunc("GET /api/v1/tasks/task-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(concierge.Task{
			ID:      "task-demo",
			Status:  "completed",
			OrderID: "ord-demo",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := concierge.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.CreateTask(ctx, concierge.TaskSubmission{
		Intent: "帮我订一家安静的杭帮菜餐厅，预算适中",
		Constraints: map[string]any{
			"city":        "Hangzhou",
			"group_size":  2,
			"base_amount": 120,
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task %s (status=%s, amount=%.2f)\n",
		created.ID, created.Status, created.Plan.Terms.Amount)

	if _, err := client.ConfirmTask(ctx, created.ID); err != nil {
		panic(err)
	}
	if _, err := client.ExecuteTask(ctx, created.ID, concierge.WithIdempotencyKey("demo-exec-1")); err != nil {
		panic(err)
	}

	final, err := client.GetTask(ctx, created.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with status=%s order=%s\n", final.ID, final.Status, final.OrderID)
}
