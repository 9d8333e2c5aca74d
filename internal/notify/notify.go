// Package notify delivers account-holder alerts. The engine only depends on
// Dispatcher; transports live behind it.
package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Acknowledgement is the transport's receipt for an alert.
type Acknowledgement struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// Alert is the payload handed to transports that serialize messages.
type Alert struct {
	ID      string `json:"id"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Dispatcher sends an alert to a recipient.
type Dispatcher interface {
	Send(ctx context.Context, to, subject, body string) (Acknowledgement, error)
}

func newAlert(to, subject, body string) Alert {
	return Alert{ID: uuid.NewString(), To: strings.TrimSpace(to), Subject: subject, Body: body}
}

// LogDispatcher writes alerts to the structured log instead of delivering them.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a dispatcher that only logs.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.Named("notify")}
}

// Send logs the alert and acknowledges it.
func (d *LogDispatcher) Send(ctx context.Context, to, subject, body string) (Acknowledgement, error) {
	alert := newAlert(to, subject, body)
	d.logger.Info("alert dispatched",
		zap.String("alert_id", alert.ID),
		zap.String("to", alert.To),
		zap.String("subject", alert.Subject),
		zap.String("body", alert.Body),
	)
	return Acknowledgement{ID: alert.ID, Accepted: true, Message: "Email notification sent successfully"}, nil
}
