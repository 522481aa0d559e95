package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/congo-pay/paycore/internal/delivery"
)

const (
	// KindTransactionSuccess is sent when the vendor confirmed a purchase.
	KindTransactionSuccess = "transaction.success"
	// KindTransactionRefunded is sent when a failed purchase was refunded.
	KindTransactionRefunded = "transaction.refunded"
)

// TransactionEvent is the webhook body sent to a transaction's callback URL.
type TransactionEvent struct {
	Event         string    `json:"event"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	VendorID      string    `json:"vendor_id"`
	VendorRef     string    `json:"vendor_ref,omitempty"`
	Message       string    `json:"message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        any
}

// Notifier hands notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. Used when no callback
// delivery is wired.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// QueueNotifier enqueues notifications as webhook delivery jobs. Messages
// without a destination are dropped.
type QueueNotifier struct {
	queue *delivery.Queue
}

// NewQueueNotifier builds a notifier over queue.
func NewQueueNotifier(queue *delivery.Queue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

// Send enqueues the message body for delivery to its destination.
func (n *QueueNotifier) Send(ctx context.Context, message Message) error {
	if message.Destination == "" {
		return nil
	}
	raw, err := json.Marshal(message.Body)
	if err != nil {
		return err
	}
	_, err = n.queue.Enqueue(ctx, delivery.EnqueueInput{
		Kind:      delivery.KindWebhook,
		TargetURL: message.Destination,
		Payload:   raw,
	})
	return err
}
