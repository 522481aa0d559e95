package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/congo-pay/paycore/internal/delivery"
	"github.com/congo-pay/paycore/internal/logging"
)

// Severity ranks operator alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alerter is the operator alert channel. It is fire-and-forget and never
// reports failure to the caller.
type Alerter interface {
	Alert(ctx context.Context, severity Severity, subject, message string)
}

// NopAlerter drops every alert.
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, Severity, string, string) {}

// LoggerAlerter writes alerts to the logger.
type LoggerAlerter struct {
	logger *slog.Logger
}

// NewLoggerAlerter builds a logging alerter.
func NewLoggerAlerter(logger *slog.Logger) *LoggerAlerter {
	return &LoggerAlerter{logger: logging.Component(logger, "alert")}
}

func (a *LoggerAlerter) Alert(ctx context.Context, severity Severity, subject, message string) {
	level := slog.LevelWarn
	switch severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityInfo:
		level = slog.LevelInfo
	}
	a.logger.Log(ctx, level, "operator alert",
		slog.String("severity", string(severity)),
		slog.String("subject", subject),
		slog.String("message", message))
}

type alertPayload struct {
	Severity Severity  `json:"severity"`
	Subject  string    `json:"subject"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// QueueAlerter logs every alert and also enqueues it for delivery to an
// operator endpoint.
type QueueAlerter struct {
	log    *LoggerAlerter
	queue  *delivery.Queue
	target string
}

// NewQueueAlerter builds an alerter that delivers to target through queue.
func NewQueueAlerter(queue *delivery.Queue, target string, logger *slog.Logger) *QueueAlerter {
	return &QueueAlerter{
		log:    NewLoggerAlerter(logger),
		queue:  queue,
		target: target,
	}
}

func (a *QueueAlerter) Alert(ctx context.Context, severity Severity, subject, message string) {
	a.log.Alert(ctx, severity, subject, message)

	// the caller's request may already be cancelled; the alert must still land
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := a.queue.EnqueueJSON(ctx, delivery.KindAlert, a.target, alertPayload{
		Severity: severity,
		Subject:  subject,
		Message:  message,
		RaisedAt: time.Now().UTC(),
	})
	if err != nil {
		a.log.logger.Error("enqueue operator alert failed", slog.String("subject", subject), slog.Any("error", err))
	}
}

// GiveUpAlert returns a delivery hook that raises a WARNING for every
// abandoned webhook. Abandoned alert jobs are only logged so that a broken
// operator endpoint cannot feed itself.
func GiveUpAlert(alerter Alerter, logger *slog.Logger) delivery.GiveUpFunc {
	logger = logging.Component(logger, "alert")
	return func(ctx context.Context, job delivery.Job) {
		if job.Kind == delivery.KindAlert {
			logger.Error("operator alert undeliverable",
				slog.String("job_id", job.ID),
				slog.String("target_url", job.TargetURL),
				slog.String("last_error", job.LastError))
			return
		}
		alerter.Alert(ctx, SeverityWarning, "webhook delivery abandoned",
			fmt.Sprintf("job %s to %s gave up after %d attempts: %s", job.ID, job.TargetURL, job.Attempts, job.LastError))
	}
}
