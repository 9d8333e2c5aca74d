package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/biocard/internal/logging"
)

const (
	// AlertExchange is the topic exchange alerts are published to.
	AlertExchange = "biocard.alerts"
	// AlertRoutingKey routes holder alerts to the mailer.
	AlertRoutingKey = "alert.holder"
)

// AMQPDispatcher publishes alerts as JSON to a RabbitMQ topic exchange.
type AMQPDispatcher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// DialAMQP connects to RabbitMQ and declares the alert exchange.
func DialAMQP(rawURL string, logger *zap.Logger) (*AMQPDispatcher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, logging.NewOperationError("notify.amqp_dial", "", err)
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, logging.NewOperationError("notify.amqp_dial", "", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, logging.NewOperationError("notify.amqp_channel", "", err)
	}
	if err := channel.ExchangeDeclare(AlertExchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, logging.NewOperationError("notify.amqp_declare", AlertExchange, err)
	}

	return &AMQPDispatcher{conn: conn, channel: channel, logger: logger.Named("notify_amqp")}, nil
}

// Send publishes the alert; the acknowledgement means the broker accepted it.
func (d *AMQPDispatcher) Send(ctx context.Context, to, subject, body string) (Acknowledgement, error) {
	alert := newAlert(to, subject, body)
	payload, err := json.Marshal(alert)
	if err != nil {
		return Acknowledgement{}, logging.NewOperationError("notify.amqp_encode", alert.ID, err)
	}

	err = d.channel.PublishWithContext(ctx, AlertExchange, AlertRoutingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   alert.ID,
		Body:        payload,
	})
	if err != nil {
		wrapped := logging.NewOperationError("notify.amqp_publish", alert.ID, err)
		d.logger.Error("failed to publish alert", zap.Error(wrapped))
		return Acknowledgement{}, wrapped
	}

	d.logger.Info("alert published", zap.String("alert_id", alert.ID), zap.String("routing_key", AlertRoutingKey))
	return Acknowledgement{ID: alert.ID, Accepted: true, Message: "queued"}, nil
}

// Close releases the channel and connection.
func (d *AMQPDispatcher) Close() error {
	if d.channel != nil {
		d.channel.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
