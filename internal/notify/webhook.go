// Package notify posts save and snapshot events to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	EventSaveCompleted     = "save.completed"
	EventSaveFailed        = "save.failed"
	EventSnapshotCompleted = "snapshot.completed"
	EventSnapshotFailed    = "snapshot.failed"
	EventSnapshotAlert     = "snapshot.alert"
)

// Notifier is nil when no webhook is configured; every method accepts a nil
// receiver.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	if webhookURL == "" {
		return nil
	}

	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type WebhookPayload struct {
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	Path       string    `json:"path,omitempty"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Details    Details   `json:"details,omitempty"`
}

type Details struct {
	Size     int64  `json:"size_bytes,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (n *Notifier) SaveCompleted(path string, size int64, duration time.Duration) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:     EventSaveCompleted,
		Timestamp: time.Now().UTC(),
		Path:      path,
		Status:    "success",
		Message:   fmt.Sprintf("Workbook saved to %s", path),
		Details: Details{
			Size:     size,
			Duration: duration.Milliseconds(),
		},
	})
}

func (n *Notifier) SaveFailed(path string, err error) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:     EventSaveFailed,
		Timestamp: time.Now().UTC(),
		Path:      path,
		Status:    "failure",
		Message:   fmt.Sprintf("Saving workbook to %s failed", path),
		Details:   Details{Error: err.Error()},
	})
}

func (n *Notifier) SnapshotCompleted(id string, size int64, duration time.Duration) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:      EventSnapshotCompleted,
		Timestamp:  time.Now().UTC(),
		SnapshotID: id,
		Status:     "success",
		Message:    fmt.Sprintf("Snapshot %s completed successfully", id),
		Details: Details{
			Size:     size,
			Duration: duration.Milliseconds(),
		},
	})
}

func (n *Notifier) SnapshotFailed(id string, err error) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:      EventSnapshotFailed,
		Timestamp:  time.Now().UTC(),
		SnapshotID: id,
		Status:     "failure",
		Message:    fmt.Sprintf("Snapshot %s failed", id),
		Details:    Details{Error: err.Error()},
	})
}

func (n *Notifier) Alert(message string) {
	if n == nil {
		return
	}

	n.send(WebhookPayload{
		Event:     EventSnapshotAlert,
		Timestamp: time.Now().UTC(),
		Status:    "alert",
		Message:   message,
	})
}

func (n *Notifier) send(payload WebhookPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal webhook payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		n.logger.Error("failed to create webhook request", "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "keste/1.0")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("failed to send webhook", "event", payload.Event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error status", "event", payload.Event, "status", resp.StatusCode)
	} else {
		n.logger.Debug("webhook sent", "event", payload.Event)
	}
}
