package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Audited logs, counts and records every failed delivery of Next. The
// error is still returned so callers can tell, but none of them act on it.
type Audited struct {
	Next  Notifier
	Audit storage.AuditStore
	Log   zerolog.Logger
	Now   func() time.Time
}

func (a Audited) Notify(ctx context.Context, recipientID, kind string, payload map[string]string) error {
	err := a.Next.Notify(ctx, recipientID, kind, payload)
	if err == nil {
		return nil
	}
	observability.NotificationFailures.WithLabelValues(kind).Inc()
	jobID := payload["job_id"]
	a.Log.Warn().Err(err).
		Str("recipient_id", recipientID).
		Str("kind", kind).
		Str("job_id", jobID).
		Msg("notification failed")

	if a.Audit == nil {
		return err
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	rec := models.NotificationFailure{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Kind:        kind,
		JobID:       jobID,
		Error:       err.Error(),
		CreatedAt:   now(),
	}
	if aerr := a.Audit.RecordNotificationFailure(ctx, rec); aerr != nil {
		a.Log.Error().Err(aerr).Str("job_id", jobID).Msg("notification audit write failed")
	}
	return err
}
