// Package alert emails timing violations through SendGrid. Emails are
// throttled so that a sustained overload produces one message per interval
// rather than one per missed deadline.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"golang.org/x/time/rate"

	"github.com/nadmax/rtsched/internal/config"
	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/metrics"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

// Sender is satisfied by *sendgrid.Client.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type Notifier struct {
	sender  Sender
	from    *mail.Email
	to      []*mail.Email
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg config.Email, interval time.Duration, logger *slog.Logger) *Notifier {
	return NewWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, interval, logger)
}

// NewWithSender allows one email immediately, then one per interval.
// A non-positive interval disables throttling.
func NewWithSender(sender Sender, cfg config.Email, interval time.Duration, logger *slog.Logger) *Notifier {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	var to []*mail.Email
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, mail.NewEmail("", addr))
		}
	}

	return &Notifier{
		sender:  sender,
		from:    mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:      to,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.OrDiscard(logger).With("component", "alert"),
	}
}

func (n *Notifier) RecordTask(context.Context, string, task.Descriptor) error {
	return nil
}

func (n *Notifier) RecordSample(context.Context, string, timing.Sample) error {
	return nil
}

func (n *Notifier) RecordViolation(ctx context.Context, runID string, v scheduler.Violation) error {
	if len(n.to) == 0 {
		return nil
	}

	if !n.limiter.Allow() {
		metrics.RecordAlertSuppressed()
		n.logger.Debug("alert suppressed", "run_id", runID, "task", v.Task, "kind", v.Kind)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := compose(runID, v)
	message := mail.NewV3Mail()
	message.SetFrom(n.from)
	message.Subject = subject

	p := mail.NewPersonalization()
	p.AddTos(n.to...)
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/plain", body))

	response, err := n.sender.Send(message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	metrics.RecordAlertSent()
	n.logger.Info("alert sent", "run_id", runID, "task", v.Task, "kind", v.Kind, "status", response.StatusCode)
	return nil
}

func compose(runID string, v scheduler.Violation) (string, string) {
	subject := fmt.Sprintf("[rtsched] %s: %s", v.Kind, v.Task)

	var b strings.Builder
	fmt.Fprintf(&b, "Run:      %s\n", runID)
	fmt.Fprintf(&b, "Task:     %s (id %d)\n", v.Task, v.TaskID)
	fmt.Fprintf(&b, "Kind:     %s\n", v.Kind)
	fmt.Fprintf(&b, "Release:  %s\n", v.Release)
	fmt.Fprintf(&b, "Deadline: %s\n", v.Deadline)
	fmt.Fprintf(&b, "At:       %s\n", v.At)
	fmt.Fprintf(&b, "Latency:  %s\n", v.Latency)
	b.WriteString("\nFurther violations within the alert interval are counted but not emailed.\n")

	return subject, b.String()
}
