package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fcmSender is the part of *messaging.Client we use.
type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier sends through Firebase Cloud Messaging.
type FCMNotifier struct {
	client fcmSender
	logger *zap.Logger
}

// NewFCMNotifier initializes the Firebase app. An empty credentialsFile falls
// back to Application Default Credentials.
func NewFCMNotifier(ctx context.Context, credentialsFile string, logger *zap.Logger) (*FCMNotifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}

	return newFCMNotifier(client, logger), nil
}

func newFCMNotifier(client fcmSender, logger *zap.Logger) *FCMNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMNotifier{client: client, logger: logger}
}

func (n *FCMNotifier) Send(ctx context.Context, msg Message) error {
	id, err := n.client.Send(ctx, buildFCMMessage(msg))
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return fmt.Errorf("%w: %v", ErrTokenRejected, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	n.logger.Debug("fcm message sent", zap.String("message_id", id))
	return nil
}

func buildFCMMessage(msg Message) *messaging.Message {
	return &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: "default",
					Badge: msg.Badge,
				},
			},
		},
	}
}
