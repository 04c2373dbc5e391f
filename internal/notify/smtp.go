package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/metrics"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier queues messages and sends them from a single background worker, so callers
// never wait on the mail server. A full queue drops the message.
type SMTPNotifier struct {
	cfg   config.NotificationConfig
	to    []string
	queue chan Message
	send  sendFunc
	wg    sync.WaitGroup
	once  sync.Once
}

func NewSMTPNotifier(cfg config.NotificationConfig) *SMTPNotifier {
	return newSMTPNotifier(cfg, smtp.SendMail)
}

func newSMTPNotifier(cfg config.NotificationConfig, send sendFunc) *SMTPNotifier {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	n := &SMTPNotifier{
		cfg:   cfg,
		to:    splitRecipients(cfg.To),
		queue: make(chan Message, size),
		send:  send,
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *SMTPNotifier) Notify(_ context.Context, msg Message) {
	select {
	case n.queue <- msg:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		log.Warn().Str("subject", msg.Subject).Msg("notify: queue full, notification dropped")
	}
}

// Close drains the queue and stops the worker. Notify must not be called afterwards.
func (n *SMTPNotifier) Close() {
	n.once.Do(func() {
		close(n.queue)
		n.wg.Wait()
	})
}

func (n *SMTPNotifier) run() {
	defer n.wg.Done()
	for msg := range n.queue {
		if err := n.deliver(msg); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("subject", msg.Subject).Msg("notify: failed to send email")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		log.Debug().Str("subject", msg.Subject).Msg("notify: email sent")
	}
}

func (n *SMTPNotifier) deliver(msg Message) error {
	addr := net.JoinHostPort(n.cfg.SMTPServer, strconv.Itoa(n.cfg.SMTPPort))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPServer)
	}
	from := n.cfg.Username
	if from == "" {
		from = "autoverify@localhost"
	}
	return n.send(addr, auth, from, n.to, n.compose(from, msg))
}

func (n *SMTPNotifier) compose(from string, msg Message) []byte {
	subject := msg.Subject
	if n.cfg.SubjectPrefix != "" {
		subject = n.cfg.SubjectPrefix + " " + subject
	}
	if msg.Severity == SeverityError || msg.Severity == SeverityWarning {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(msg.Severity)), subject)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func splitRecipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
