package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes notifications to the log. It is used when Gmail is not
// configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, recipient, subject, body, related string) error {
	logrus.WithFields(logrus.Fields{
		"recipient": recipient,
		"subject":   subject,
		"related":   related,
	}).Info(body)
	return nil
}
