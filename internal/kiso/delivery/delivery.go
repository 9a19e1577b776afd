// Package delivery posts `msg` task outputs to a session's webhook (§4.4).
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// backoffSchedule is §4.4's "3 attempts at 1s/3s/9s backoff": the wait
// before attempt N+1, not counting the first (immediate) attempt.
var backoffSchedule = []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}

// Payload is the webhook callback body (§6 "Webhook callback").
type Payload struct {
	Session string `json:"session"`
	TaskID  int64  `json:"task_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// maxResponseBytes bounds how much of a webhook response body is drained.
const maxResponseBytes = 64 * 1024

// Deliverer posts msg payloads to session webhooks with bounded retry.
type Deliverer struct {
	client *http.Client
}

// New builds a Deliverer. timeout bounds a single HTTP attempt.
func New(timeout time.Duration) *Deliverer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Deliverer{client: &http.Client{Timeout: timeout}}
}

// Result records what happened, for the audit entry §6 requires
// (`task_id, url, status, attempts`).
type Result struct {
	Attempts   int
	StatusCode int
	Delivered  bool
}

// Deliver posts payload to url, retrying on transport error or a non-2xx
// response per the 1s/3s/9s schedule. A total failure is not an error the
// caller must act on — §4.4: "on total failure, log and continue; /status
// is the recovery channel" — so Deliver never returns an error; the
// returned Result's Delivered field tells the whole story.
func (d *Deliverer) Deliver(ctx context.Context, url string, payload Payload) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("delivery: marshal webhook payload failed", "session", payload.Session, "task_id", payload.TaskID, "error", err)
		return Result{Attempts: 0, Delivered: false}
	}

	var lastStatus int
	attempts := 0

	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		attempts++
		status, err := d.post(ctx, url, body)
		lastStatus = status
		if err == nil && status >= 200 && status < 300 {
			return Result{Attempts: attempts, StatusCode: status, Delivered: true}
		}

		slog.Debug("delivery: webhook attempt failed", "session", payload.Session, "task_id", payload.TaskID,
			"attempt", attempts, "status", status, "error", err)

		if attempt == len(backoffSchedule) {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("delivery: webhook delivery abandoned, context cancelled", "session", payload.Session, "task_id", payload.TaskID)
			return Result{Attempts: attempts, StatusCode: lastStatus, Delivered: false}
		case <-time.After(backoffSchedule[attempt]):
		}
	}

	slog.Warn("delivery: webhook delivery failed after all attempts, /status remains the recovery channel",
		"session", payload.Session, "task_id", payload.TaskID, "attempts", attempts, "status", lastStatus)
	return Result{Attempts: attempts, StatusCode: lastStatus, Delivered: false}
}

func (d *Deliverer) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, errors.New("non-2xx webhook response")
	}
	return resp.StatusCode, nil
}
