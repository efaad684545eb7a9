package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// HoldReleaser gives back the funds held for a job that will never run.
type HoldReleaser interface {
	ReleaseHold(ctx context.Context, paymentIntentID string) error
}

// StripeClient wraps stripe-go for the PaymentIntent hold flow. Booking
// places the hold; the engine only ever releases it.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(key string) *StripeClient {
	return &StripeClient{api: client.New(key, nil)}
}

// NewStripeClientWithBackends targets a custom backend, e.g. stripe-mock.
func NewStripeClientWithBackends(key string, b *stripe.Backends) *StripeClient {
	return &StripeClient{api: client.New(key, b)}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// ReleaseHold cancels the PaymentIntent. An intent already cancelled counts
// as released.
func (s *StripeClient) ReleaseHold(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		return nil
	}
	return err
}

// Noop is used when no payment provider is configured.
type Noop struct{}

func (Noop) ReleaseHold(context.Context, string) error { return nil }
