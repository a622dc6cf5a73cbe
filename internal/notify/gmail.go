package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/config"
)

const maxSendAttempts = 3

// GmailNotifier sends notifications through the Gmail API
type GmailNotifier struct {
	service   *gmail.Service
	userEmail string
	backoff   func(attempt int) time.Duration
}

// NewGmailNotifier creates a notifier authenticated with the configured
// refresh token. Extra client options are passed to the Gmail service.
func NewGmailNotifier(ctx context.Context, cfg config.NotifyConfig, opts ...option.ClientOption) (*GmailNotifier, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
	tokenSource := oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	opts = append([]option.ClientOption{option.WithTokenSource(tokenSource)}, opts...)
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailNotifier{
		service:   service,
		userEmail: cfg.UserEmail,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}, nil
}

// Notify sends a plain text message to recipient. Rate limited sends are
// retried with backoff; other failures are returned immediately.
func (n *GmailNotifier) Notify(ctx context.Context, recipient, subject, body, related string) error {
	message := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(n.buildMessage(recipient, subject, body, related))),
	}

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		_, err := n.service.Users.Messages.Send(n.userEmail, message).Context(ctx).Do()
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"recipient": recipient,
				"related":   related,
			}).Info("Notification sent")
			return nil
		}

		lastErr = err
		logrus.Warnf("Failed to send notification (attempt %d/%d): %v", attempt, maxSendAttempts, err)

		if !isRateLimited(err) || attempt == maxSendAttempts {
			break
		}
		wait := n.backoff(attempt)
		logrus.Infof("Rate limited, waiting %v before retry", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to send notification: %w", lastErr)
}

func (n *GmailNotifier) buildMessage(recipient, subject, body, related string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.userEmail)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	if related != "" {
		fmt.Fprintf(&b, "X-Fiscal-Inbox-Cycle: %s\r\n", related)
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.String()
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "rate")
}
