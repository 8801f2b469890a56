// README: Firebase Cloud Messaging gateway for "fcm:<device token>" handles.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
)

// MessagingClient is the subset of *messaging.Client used here.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCM struct {
	client MessagingClient
	log    logrus.FieldLogger
}

func NewFCM(client MessagingClient, log logrus.FieldLogger) *FCM {
	return &FCM{client: client, log: log}
}

var notificationTitles = map[string]string{
	EventNewAssignment:  "New delivery request",
	EventOrderDelivered: "Order delivered",
	EventDeliveryOTP:    "Your delivery code",
}

// Push sends a data message carrying the event name and the JSON payload.
// Events with a title also carry a visible notification.
func (f *FCM) Push(ctx context.Context, handle, event string, payload any) error {
	token := strings.TrimPrefix(handle, PrefixFCM)
	if token == "" || token == handle {
		return ErrUnreachable
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"event":   event,
			"payload": string(raw),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	if title, ok := notificationTitles[event]; ok {
		msg.Notification = &messaging.Notification{Title: title}
	}

	messageID, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm token unregistered: %w", ErrUnreachable)
		}
		return fmt.Errorf("send fcm %s: %w", event, err)
	}
	f.log.WithFields(logrus.Fields{"event": event, "message_id": messageID}).Debug("fcm sent")
	return nil
}
