package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Sender is the slice of the FCM client used here.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMNotifier pushes to the per-user topic the apps subscribe to.
type FCMNotifier struct {
	client Sender
}

func NewFCMNotifier(ctx context.Context, projectID, credentialsFile string) (*FCMNotifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCMNotifier{client: client}, nil
}

func NewFCMNotifierWithSender(s Sender) *FCMNotifier {
	return &FCMNotifier{client: s}
}

func Topic(recipientID string) string { return "user_" + recipientID }

func (f *FCMNotifier) Notify(ctx context.Context, recipientID, kind string, payload map[string]string) error {
	data := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["type"] = kind
	msg := &messaging.Message{
		Topic: Topic(recipientID),
		Data:  data,
		Notification: &messaging.Notification{
			Title: title(kind),
			Body:  body(kind, payload),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to %s: %w", recipientID, err)
	}
	return nil
}

func title(kind string) string {
	switch kind {
	case KindJobAssigned:
		return "New ride"
	case KindJobCancelled:
		return "Ride cancelled"
	case KindAssignmentExpired:
		return "Ride reassigned"
	}
	return "Ride update"
}

func body(kind string, payload map[string]string) string {
	switch kind {
	case KindJobAssigned:
		if eta := payload["eta_seconds"]; eta != "" {
			return fmt.Sprintf("Pickup in about %s s", eta)
		}
		return "A rider is waiting for you"
	case KindJobCancelled:
		return "No driver could be found for your ride"
	case KindAssignmentExpired:
		return "The ride was offered to another driver"
	}
	return ""
}
