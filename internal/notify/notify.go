// Package notify delivers operator notifications. Delivery failures are logged and counted,
// never returned to the component that raised the notification.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/metrics"
	"github.com/vasiliy-maslov/autoverify/internal/order"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Message struct {
	Severity Severity
	Subject  string
	Body     string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// LogNotifier writes notifications to the log. It is used when email is disabled.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) {
	level := zerolog.InfoLevel
	switch msg.Severity {
	case SeverityWarning:
		level = zerolog.WarnLevel
	case SeverityError:
		level = zerolog.ErrorLevel
	}
	log.WithLevel(level).Str("subject", msg.Subject).Str("body", msg.Body).Msg("notify: notification")
	metrics.NotificationsTotal.WithLabelValues("logged").Inc()
}

// New returns the SMTP notifier when email is enabled and configured, otherwise a LogNotifier.
func New(cfg config.NotificationConfig) Notifier {
	if !cfg.Enabled || cfg.SMTPServer == "" || cfg.To == "" {
		log.Info().Msg("notify: email disabled, notifications go to the log")
		return LogNotifier{}
	}
	return NewSMTPNotifier(cfg)
}

// Close stops n if it owns background resources.
func Close(n Notifier) {
	if c, ok := n.(interface{ Close() }); ok {
		c.Close()
	}
}

func Verification(orderSN string, success bool, message string) Message {
	if success {
		return Message{
			Severity: SeverityInfo,
			Subject:  "Order " + orderSN + " verified",
			Body:     fmt.Sprintf("Order %s was redeemed successfully.\n%s", orderSN, message),
		}
	}
	return Message{
		Severity: SeverityWarning,
		Subject:  "Verification failed for order " + orderSN,
		Body:     fmt.Sprintf("Redeeming order %s failed.\nReason: %s", orderSN, message),
	}
}

func Failure(component string, err error) Message {
	return Message{
		Severity: SeverityError,
		Subject:  component + " failed",
		Body:     fmt.Sprintf("%s failed at %s.\nError: %v", component, time.Now().Format(time.RFC3339), err),
	}
}

func DailyReport(day time.Time, st order.Stats) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily report for %s\n\n", day.Format("2006-01-02"))
	fmt.Fprintf(&b, "Orders total:           %d\n", st.TotalOrders)
	fmt.Fprintf(&b, "Awaiting fulfilment:    %d\n", st.PendingOrders)
	fmt.Fprintf(&b, "Shipped:                %d\n", st.ShippedOrders)
	fmt.Fprintf(&b, "Finished:               %d\n", st.FinishedOrders)
	fmt.Fprintf(&b, "Awaiting verification:  %d\n", st.VerifiableOrders)
	fmt.Fprintf(&b, "Verification attempts:  %d\n", st.TotalVerifications)
	fmt.Fprintf(&b, "Successful:             %d\n", st.SuccessfulVerifications)
	return Message{
		Severity: SeverityInfo,
		Subject:  "Daily report " + day.Format("2006-01-02"),
		Body:     b.String(),
	}
}
