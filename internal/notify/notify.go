// Package notify delivers dispatch messages to riders and drivers. Delivery
// is best-effort: callers log and audit errors but never act on them.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	KindJobAssigned       = "job_assigned"
	KindJobCancelled      = "job_cancelled"
	KindAssignmentExpired = "assignment_expired"
)

type Notifier interface {
	Notify(ctx context.Context, recipientID, kind string, payload map[string]string) error
}

type Func func(ctx context.Context, recipientID, kind string, payload map[string]string) error

func (f Func) Notify(ctx context.Context, recipientID, kind string, payload map[string]string) error {
	return f(ctx, recipientID, kind, payload)
}

// Chain tries each notifier in order and stops at the first success.
type Chain []Notifier

func (c Chain) Notify(ctx context.Context, recipientID, kind string, payload map[string]string) error {
	if len(c) == 0 {
		return errors.New("no notifier configured")
	}
	var errs []error
	for _, n := range c {
		err := n.Notify(ctx, recipientID, kind, payload)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("all channels failed: %w", errors.Join(errs...))
}

// Log only writes the message to the log. It backs local runs with no push
// channel configured.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, recipientID, kind string, payload map[string]string) error {
	ev := l.Logger.Info().Str("recipient_id", recipientID).Str("kind", kind)
	for k, v := range payload {
		ev = ev.Str(k, v)
	}
	ev.Msg("notification")
	return nil
}
