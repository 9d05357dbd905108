package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/statementflow/internal/app"
	"github.com/Lllllllleong/statementflow/internal/blob"
	"github.com/Lllllllleong/statementflow/internal/config"
	"github.com/Lllllllleong/statementflow/internal/models"
	"github.com/Lllllllleong/statementflow/internal/notify"
	"github.com/Lllllllleong/statementflow/internal/services"
)

var (
	instance *app.App
	routes   http.Handler
	once     sync.Once
	initErr  error
)

// gcsEvent is the data of a google.cloud.storage.object.v1.finalized event.
type gcsEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Size   string `json:"size"`
	ETag   string `json:"etag"`
}

func init() {
	// Register both entry points. The HTTP one serves the same routes as the
	// standalone server; the CloudEvent one is triggered by GCS uploads.
	functions.HTTP("HandleStatementWebhook", handleWebhook)
	functions.CloudEvent("ProcessStatementUpload", processUpload)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() error {
	once.Do(func() {
		var cfg config.Config
		cfg, initErr = config.Load()
		if initErr != nil {
			return
		}
		logger := config.InitLogger(cfg.SlogLevel())
		if initErr = cfg.Validate(); initErr != nil {
			return
		}
		instance, initErr = app.New(context.Background(), cfg, logger)
		if initErr == nil {
			routes = instance.Routes()
		}
	})
	return initErr
}

func handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := setup(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	routes.ServeHTTP(w, r)
}

func processUpload(ctx context.Context, e cloudevents.Event) error {
	if err := setup(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	var data gcsEvent
	if err := json.Unmarshal(e.Data(), &data); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	logCtx := slog.With("eventId", e.ID(), "bucket", data.Bucket, "object", data.Name)

	ev := toWebhookEvent(e, data)
	if ev.Object.Key == "" {
		logCtx.Warn("Event carries no object name. Ignoring.")
		return nil
	}
	if !blob.IsPDFKey(ev.Object.Key) {
		logCtx.Info("Skipping non-PDF object.")
		return nil
	}

	res := instance.Processor.Process(ctx, services.JobRequest{PDFKey: ev.Object.Key, ETag: ev.Object.ETag})
	instance.Dispatcher.Dispatch(context.WithoutCancel(ctx), notify.Completion{Event: &ev, Result: res})
	if !res.Success {
		// Failed conversions are final. Returning an error would only make
		// Eventarc redeliver the same upload.
		logCtx.Warn("Conversion failed.", "jobId", res.JobID, "error", res.Error)
	}
	return nil
}

func toWebhookEvent(e cloudevents.Event, data gcsEvent) models.WebhookEvent {
	// GCS encodes the size as a decimal string.
	size, _ := strconv.ParseInt(data.Size, 10, 64)
	return models.WebhookEvent{
		Bucket:    data.Bucket,
		Object:    models.WebhookObject{Key: data.Name, Size: size, ETag: data.ETag},
		Action:    e.Type(),
		EventTime: e.Time().UTC().Format(time.RFC3339),
	}
}
