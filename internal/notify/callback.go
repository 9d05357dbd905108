package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Lllllllleong/statementflow/internal/models"
)

// CallbackNotifier POSTs the outcome to metadata.callbackUrl when the event has one.
type CallbackNotifier struct {
	client  *http.Client
	timeout time.Duration
}

func NewCallbackNotifier(client *http.Client, timeout time.Duration) *CallbackNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackNotifier{client: client, timeout: timeout}
}

func (n *CallbackNotifier) Name() string { return "callback" }

// Payload builds the callback body for a finished job.
func Payload(c Completion) models.CallbackPayload {
	p := models.CallbackPayload{Status: models.CallbackFailed}
	if c.Event != nil && c.Event.Metadata != nil {
		p.FileID = c.Event.Metadata.FileID
	}
	if c.Result.Success {
		p.Status = models.CallbackCompleted
		key := c.Result.CSVKey
		p.ResultCSVKey = &key
	} else {
		msg := c.Result.Error
		p.Error = &msg
	}
	return p
}

func (n *CallbackNotifier) Notify(ctx context.Context, c Completion) error {
	if c.Event == nil || c.Event.Metadata == nil || c.Event.Metadata.CallbackURL == "" {
		return nil
	}
	body, err := json.Marshal(Payload(c))
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Event.Metadata.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
