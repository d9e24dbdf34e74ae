package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskpulse/pkg/circuitbreaker"
)

// Client talks to the task system of record's public create operation.
// The generator never writes the task store directly; every instance goes
// through this API so the system of record emits the lifecycle event.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

type CreateTaskRequest struct {
	UserID                int64     `json:"user_id"`
	Title                 string    `json:"title"`
	DueDate               time.Time `json:"due_date"`
	Priority              string    `json:"priority,omitempty"`
	ReminderOffset        string    `json:"reminder_offset,omitempty"`
	ParentRecurringTaskID int64     `json:"parent_recurring_task_id"`
	OccurrenceDate        string    `json:"occurrence_date"` // YYYY-MM-DD
}

type CreatedTask struct {
	ID int64 `json:"id"`
}

// CreateTask invokes the create operation under circuit breaker
// protection. 5xx responses are transient; anything else non-2xx is a
// rejection and not retried.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*CreatedTask, error) {
	var created *CreatedTask

	err := c.breaker.Execute(func() error {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(b))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("task api 5xx: %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("task api error: %d", resp.StatusCode)
		}

		var t CreatedTask
		if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
			return err
		}
		created = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
