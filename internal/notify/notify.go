// Package notify tells interested parties that a conversion job ended: the
// uploader's callback URL and, when configured, a Cloud Workflows execution.
package notify

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/statementflow/internal/models"
)

// Completion is what every notifier receives once a job ends.
type Completion struct {
	Event  *models.WebhookEvent
	Result *models.ProcessResult
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, c Completion) error
}

// Dispatcher fans a completion out to every notifier concurrently. Failures are
// logged and never surface to the webhook response.
type Dispatcher struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewDispatcher(logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifiers: notifiers, logger: logger}
}

// Dispatch blocks until every notifier returned.
func (d *Dispatcher) Dispatch(ctx context.Context, c Completion) {
	if d == nil || len(d.notifiers) == 0 {
		return
	}
	var eg errgroup.Group
	eg.SetLimit(4)
	for _, n := range d.notifiers {
		eg.Go(func() error {
			if err := n.Notify(ctx, c); err != nil {
				d.logger.Warn("Completion notification failed.", "notifier", n.Name(), "jobId", c.Result.JobID, "error", err)
				return nil
			}
			d.logger.Debug("Completion notification sent.", "notifier", n.Name(), "jobId", c.Result.JobID)
			return nil
		})
	}
	_ = eg.Wait()
}
