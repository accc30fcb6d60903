// Package notify carries outbound account emails (verification links,
// password-reset links) from the identity service to the delivery worker
// over the message broker.
package notify

import "context"

// EmailQueueName is the durable queue carrying outbound account emails.
const EmailQueueName = "notification.email"

// EmailMessage is the payload published for each outbound email. It contains
// everything the delivery worker needs without querying the primary database.
type EmailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Notifier sends a templated message to an email address. The identity
// service depends on this interface so tests can capture messages instead
// of touching a broker.
type Notifier interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}
